package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mldata/mldata/internal/cache"
	"github.com/mldata/mldata/internal/convert"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/preview"
	"github.com/mldata/mldata/internal/progress"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
)

type fixedDPI int

func (d fixedDPI) DPI(string) (int, error) { return int(d), nil }

type env struct {
	handler http.Handler
	records *records.SQLiteStore
	exports *cache.ExportCache
	mail    *notify.Recorder
}

func newEnv(t *testing.T, maxUpload int64) *env {
	t.Helper()
	dir := t.TempDir()
	rs, err := records.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("records.Open failed: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	objects, err := storage.NewLocalStorage(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	exports, err := cache.NewExportCache(filepath.Join(dir, "exports"), 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exports.Close)
	tmp := filepath.Join(dir, "tmp")
	os.MkdirAll(tmp, 0755)

	metrics := observability.NewMetrics()
	conv := convert.New(convert.Config{SparseDensity: 0.5}, metrics)
	store := storage.NewStore(objects)
	mail := &notify.Recorder{}
	ctrl := ingest.New(ingest.Deps{
		Converter: conv,
		Records:   rs,
		Store:     store,
		Mail:      mail,
		Metrics:   metrics,
		TempDir:   tmp,
		Verify:    true,
	})
	h := NewRouter(Deps{
		Ingester:       ctrl,
		Records:        rs,
		Store:          store,
		Converter:      conv,
		Preview:        preview.New(conv, metrics, tmp),
		Exports:        exports,
		Prefs:          fixedDPI(50),
		Progress:       progress.NewTracker(time.Minute),
		Mail:           mail,
		Metrics:        metrics,
		TempDir:        tmp,
		MaxUploadBytes: maxUpload,
	})
	return &env{handler: h, records: rs, exports: exports, mail: mail}
}

func uploadRequest(t *testing.T, fields map[string]string, fileName, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, content)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/datasets", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) upload(t *testing.T, name, fileName, content string) *DatasetView {
	t.Helper()
	resp := e.do(uploadRequest(t, map[string]string{"name": name, "public": "true"}, fileName, content))
	if resp.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", resp.Code, resp.Body.String())
	}
	var view DatasetView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	return &view
}

const tinyCSV = "a,1,2.0\nb,3,4.5\nc,?,6.0\n"

func TestUploadCSV(t *testing.T) {
	e := newEnv(t, 0)

	req := uploadRequest(t, map[string]string{"name": "Tiny Table", "tags": "Toy, small"}, "tiny.csv", tinyCSV)
	req.Header.Set(progress.HeaderName, "42")
	resp := e.do(req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	var view DatasetView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Slug != "tiny-table" || view.NumInstances != 3 || view.NumAttributes != 3 {
		t.Errorf("view = %+v", view)
	}
	if !view.Current || view.ConversionFailed || len(view.AttributeTypes) != 3 {
		t.Errorf("view = %+v", view)
	}
	if !view.Approved {
		t.Error("a converted upload should be approved")
	}
	if len(view.Tags) != 2 || view.Tags[0] != "toy" {
		t.Errorf("tags = %v", view.Tags)
	}

	poll := httptest.NewRequest(http.MethodGet, "/progress?"+progress.HeaderName+"=42", nil)
	presp := e.do(poll)
	var p progress.Progress
	if err := json.Unmarshal(presp.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.State != progress.StateDone || p.Received == 0 {
		t.Errorf("progress = %+v", p)
	}
}

func TestUploadConversionFailure(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.do(uploadRequest(t, map[string]string{"name": "Broken"}, "broken.arff", "not an arff file at all\n"))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	var er ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &er); err != nil {
		t.Fatal(err)
	}
	if er.Code != mlerrors.CodeConversionFailed {
		t.Errorf("code = %q", er.Code)
	}
	if er.Dataset == nil || !er.Dataset.ConversionFailed || er.Dataset.Public || er.Dataset.Approved {
		t.Errorf("dataset = %+v", er.Dataset)
	}
	if len(e.mail.Messages()) != 1 {
		t.Errorf("admin mails = %d, want 1", len(e.mail.Messages()))
	}
}

func TestUploadRejects(t *testing.T) {
	tests := []struct {
		name      string
		maxUpload int64
		fields    map[string]string
		fileName  string
		content   string
		want      int
	}{
		{"no file", 0, map[string]string{"name": "x"}, "", "", http.StatusBadRequest},
		{"unknown format", 0, map[string]string{"name": "x", "format": "parquet"}, "x.csv", tinyCSV, http.StatusBadRequest},
		{"too large", 64, map[string]string{"name": "x"}, "x.csv", strings.Repeat("1,2,3\n", 100), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.maxUpload)
			resp := e.do(uploadRequest(t, tt.fields, tt.fileName, tt.content))
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.Code, tt.want, resp.Body.String())
			}
		})
	}
}

func TestExtract(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "Tiny Table", "tiny.csv", tinyCSV)

	// Drop the cached extract so it is rebuilt from the stored file.
	ctx := context.Background()
	rec, err := e.records.GetDataset(ctx, "tiny-table")
	if err != nil {
		t.Fatal(err)
	}
	rec.ExtractCache = ""
	if err := e.records.UpdateDataset(ctx, rec); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		resp := e.do(httptest.NewRequest(http.MethodGet, "/datasets/tiny-table/extract", nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
		}
		var ex h5.Extract
		if err := json.Unmarshal(resp.Body.Bytes(), &ex); err != nil {
			t.Fatal(err)
		}
		if len(ex.Data) != 3 || len(ex.Types) != 3 {
			t.Errorf("extract = %+v", ex)
		}
	}

	rec, _ = e.records.GetDataset(ctx, "tiny-table")
	if rec.ExtractCache == "" {
		t.Error("extract was not cached")
	}
}

func TestExtractNotFound(t *testing.T) {
	e := newEnv(t, 0)
	resp := e.do(httptest.NewRequest(http.MethodGet, "/datasets/missing/extract", nil))
	if resp.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Code)
	}
}

func TestDownload(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "Tiny Table", "tiny.csv", tinyCSV)

	resp := e.do(httptest.NewRequest(http.MethodGet, "/datasets/tiny-table/download/csv", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	if got, want := resp.Body.String(), "a,1,2.0\nb,3,4.5\nc,nan,6.0\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if strings.HasPrefix(resp.Body.String(), "SQLite") {
		t.Error("the stored container was served instead of a CSV export")
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, "tiny-table.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if n := e.exports.Count(); n != 0 {
		t.Errorf("%d exports left in the cache", n)
	}

	resp = e.do(httptest.NewRequest(http.MethodGet, "/datasets/tiny-table/download/h5", nil))
	if resp.Code != http.StatusOK || resp.Body.Len() == 0 {
		t.Errorf("h5 download status = %d, %d bytes", resp.Code, resp.Body.Len())
	}
}

func TestStoredFormat(t *testing.T) {
	tests := []struct {
		rec  records.Dataset
		want format.Format
	}{
		{records.Dataset{Format: "csv", FileName: "tiny.h5"}, format.H5},
		{records.Dataset{Format: "arff", FileName: "broken.arff", Tags: []string{records.TagConversionFailed}}, format.ARFF},
		{records.Dataset{Format: "tar.bz2", FileName: "stuff.tar.bz2", Tags: []string{records.TagConversionFailed}}, format.TarBz2},
		{records.Dataset{Format: "csv", FileName: "odd-name"}, format.H5},
	}
	for _, tt := range tests {
		if got := storedFormat(&tt.rec); got != tt.want {
			t.Errorf("storedFormat(%s, %s) = %s, want %s", tt.rec.Format, tt.rec.FileName, got, tt.want)
		}
	}
}

func TestDownloadFailedConversionServesOriginal(t *testing.T) {
	e := newEnv(t, 0)
	const original = "not an arff file at all\n"
	e.do(uploadRequest(t, map[string]string{"name": "Broken"}, "broken.arff", original))

	resp := e.do(httptest.NewRequest(http.MethodGet, "/datasets/broken/download/csv", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != original {
		t.Errorf("body = %q, want the original upload", resp.Body.String())
	}
}

func TestDownloadUnknownFormat(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "Tiny Table", "tiny.csv", tinyCSV)
	for _, f := range []string{"parquet", "zip", "auto"} {
		resp := e.do(httptest.NewRequest(http.MethodGet, "/datasets/tiny-table/download/"+f, nil))
		if resp.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", f, resp.Code)
		}
	}
}

func postTask(e *env, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func TestTaskAndSplitImage(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "ten", "ten.csv", "0\n1\n2\n3\n4\n5\n6\n7\n8\n9\n")

	resp := postTask(e, `{"name":"ten split","dataset":"ten","splits":[{"train":"0:6","test":"6:10"}]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	var view TaskView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Slug != "ten-split" || view.Dataset != "ten" {
		t.Errorf("task = %+v", view)
	}

	for _, q := range []string{"", "?split=0&tier=large"} {
		resp = e.do(httptest.NewRequest(http.MethodGet, "/tasks/ten-split/split.png"+q, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%q: status = %d: %s", q, resp.Code, resp.Body.String())
		}
		if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q", ct)
		}
		if _, err := png.Decode(resp.Body); err != nil {
			t.Errorf("%q: not a png: %v", q, err)
		}
	}

	resp = e.do(httptest.NewRequest(http.MethodGet, "/tasks/ten-split/split.png?split=3", nil))
	if resp.Code != http.StatusBadRequest {
		t.Errorf("out of range split: status = %d, want 400", resp.Code)
	}
}

func TestTaskRejects(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "ten", "ten.csv", "0\n1\n2\n3\n4\n5\n6\n7\n8\n9\n")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"no dataset", `{"name":"x"}`, http.StatusBadRequest},
		{"no splits", `{"name":"x","dataset":"ten"}`, http.StatusBadRequest},
		{"out of range", `{"name":"x","dataset":"ten","splits":[{"train":"0:20","test":"0:1"}]}`, http.StatusBadRequest},
		{"unknown dataset", `{"name":"x","dataset":"nope","splits":[{"train":"0:1"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postTask(e, tt.body)
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.Code, tt.want, resp.Body.String())
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, 0)
	e.upload(t, "Tiny Table", "tiny.csv", tinyCSV)

	resp := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Errorf("healthz status = %d", resp.Code)
	}
	resp = e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(resp.Body.String(), "mldata_ingests_total") {
		t.Error("metrics do not list mldata_ingests_total")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{mlerrors.NewRecordError(mlerrors.CodeRecordNotFound, "gone", nil), http.StatusNotFound},
		{mlerrors.NewRecordError(mlerrors.CodeSlugConflict, "taken", nil), http.StatusConflict},
		{mlerrors.NewSizePolicyExceeded(10, 5, "too big"), http.StatusRequestEntityTooLarge},
		{mlerrors.NewValidationError(mlerrors.CodeInvalidSplit, "bad"), http.StatusBadRequest},
		{mlerrors.NewConversionError("a", "csv", "b", "h5", mlerrors.NewUnsupportedConversion("csv", "zip")), http.StatusBadRequest},
		{mlerrors.NewConversionError("a", "csv", "b", "h5", nil), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", mlerrors.NewStorageError(mlerrors.CodeDownloadFailed, "s3", nil)), http.StatusServiceUnavailable},
		{context.Canceled, 499},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
