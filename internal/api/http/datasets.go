package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mldata/mldata/internal/cache"
	"github.com/mldata/mldata/internal/convert"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/preview"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
)

// maxMemory is the part of a multipart upload kept in memory; the rest
// spills to temporary files.
const maxMemory = 32 << 20

// DatasetView is the JSON form of a dataset record.
type DatasetView struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Version          int       `json:"version"`
	Format           string    `json:"format"`
	FileName         string    `json:"file_name"`
	NumInstances     int       `json:"num_instances"`
	NumAttributes    int       `json:"num_attributes"`
	AttributeTypes   []string  `json:"attribute_types"`
	Tags             []string  `json:"tags"`
	SourceURL        string    `json:"source_url,omitempty"`
	Approved         bool      `json:"approved"`
	Public           bool      `json:"public"`
	Current          bool      `json:"current"`
	ConversionFailed bool      `json:"conversion_failed"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewDatasetView converts a record.
func NewDatasetView(d *records.Dataset) *DatasetView {
	v := &DatasetView{
		ID:               d.ID,
		Name:             d.Name,
		Slug:             d.Slug,
		Version:          d.Version,
		Format:           d.Format,
		FileName:         d.FileName,
		NumInstances:     d.NumInstances,
		NumAttributes:    d.NumAttributes,
		AttributeTypes:   []string{},
		Tags:             d.Tags,
		SourceURL:        d.SourceURL,
		Approved:         d.IsApproved,
		Public:           d.IsPublic,
		Current:          d.IsCurrent,
		ConversionFailed: d.HasTag(records.TagConversionFailed),
		CreatedAt:        d.CreatedAt,
	}
	if d.AttributeTypes != "" {
		if err := json.Unmarshal([]byte(d.AttributeTypes), &v.AttributeTypes); err != nil {
			log.Printf("http: bad attribute types on %s v%d: %v", d.Slug, d.Version, err)
		}
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	return v
}

// UploadHandler handles POST /datasets. The multipart form carries the
// file part "file" and the fields name, format, separator,
// first_row_is_header, tags, source_url and public.
type UploadHandler struct {
	ingester Ingester
	maxBytes int64
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(deps Deps) *UploadHandler {
	return &UploadHandler{ingester: deps.Ingester, maxBytes: deps.MaxUploadBytes}
}

// ServeHTTP handles the upload HTTP request.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if h.maxBytes > 0 {
		if r.ContentLength > h.maxBytes {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.maxBytes), requestID)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), requestID)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err), requestID)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", requestID)
		return
	}
	defer file.Close()

	f, ok := format.Parse(r.FormValue("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", r.FormValue("format")), requestID)
		return
	}

	req := ingest.Request{
		Name:             strings.TrimSpace(r.FormValue("name")),
		FileName:         header.Filename,
		Body:             file,
		Format:           f,
		Separator:        r.FormValue("separator"),
		FirstRowIsHeader: formBool(r, "first_row_is_header"),
		Tags:             splitTags(r.FormValue("tags")),
		SourceURL:        r.FormValue("source_url"),
		Public:           formBool(r, "public"),
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	rec, err := h.ingester.Ingest(r.Context(), req)
	if err != nil {
		if rec == nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     err.Error(),
			Code:      mlerrors.GetCode(err),
			RequestID: requestID,
			Dataset:   NewDatasetView(rec),
		})
		return
	}
	writeJSON(w, http.StatusCreated, NewDatasetView(rec))
}

func formBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.FormValue(key))
	return err == nil && v
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ExtractHandler handles GET /datasets/{slug}/extract. Records without a
// cached extract get one built from the stored file, cached on success.
type ExtractHandler struct {
	records records.Store
	store   *storage.Store
	preview *preview.Engine
	mail    notify.Sink
	tempDir string
}

// NewExtractHandler creates a new extract handler.
func NewExtractHandler(deps Deps) *ExtractHandler {
	return &ExtractHandler{
		records: deps.Records,
		store:   deps.Store,
		preview: deps.Preview,
		mail:    deps.Mail,
		tempDir: deps.TempDir,
	}
}

// ServeHTTP handles the extract HTTP request.
func (h *ExtractHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.records.GetDataset(ctx, r.PathValue("slug"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if rec.ExtractCache != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(rec.ExtractCache))
		return
	}

	ex, err := h.build(ctx, rec)
	if err != nil {
		subject := "extract failed: " + rec.Slug
		body := fmt.Sprintf("dataset %s v%d (%s)\nrequest %s\n\n%v", rec.Slug, rec.Version, rec.FileName, GetRequestID(ctx), err)
		if mailErr := h.mail.NotifyAdmins(ctx, subject, body); mailErr != nil {
			log.Printf("http: failed to notify admins about %s: %v", rec.Slug, mailErr)
		}
		writeJSON(w, http.StatusOK, ex)
		return
	}

	if data, err := json.Marshal(ex); err == nil {
		rec.ExtractCache = string(data)
		if err := h.records.UpdateDataset(ctx, rec); err != nil {
			log.Printf("http: failed to cache extract of %s: %v", rec.Slug, err)
		}
	}
	writeJSON(w, http.StatusOK, ex)
}

// build returns the extract of rec's stored file. The extract is never nil.
func (h *ExtractHandler) build(ctx context.Context, rec *records.Dataset) (*h5.Extract, error) {
	work, err := os.MkdirTemp(h.tempDir, "extract-")
	if err != nil {
		return h5.Empty(), fmt.Errorf("http: failed to create working directory: %w", err)
	}
	defer os.RemoveAll(work)

	local := filepath.Join(work, filepath.Base(rec.FileName))
	if err := h.store.FetchData(ctx, rec.FileName, local); err != nil {
		return h5.Empty(), err
	}
	return h.preview.Extract(ctx, local, storedFormat(rec))
}

// storedFormat is the format of rec's stored file. Converted records are
// stored as H5 whatever dialect they came from; only records that were kept
// unconverted store the file in rec.Format.
func storedFormat(rec *records.Dataset) format.Format {
	if rec.HasTag(records.TagConversionFailed) {
		if f, ok := format.Parse(rec.Format); ok {
			return f
		}
		return format.Auto
	}
	if f := format.FromSuffix(rec.FileName); f != format.Unknown {
		return f
	}
	return format.H5
}

// DownloadHandler handles GET /datasets/{slug}/download/{format}. The H5
// file is converted into the export cache, streamed and removed. Records
// whose conversion failed, and requests for the stored format, get the
// stored file as is.
type DownloadHandler struct {
	records records.Store
	store   *storage.Store
	conv    *convert.Converter
	exports *cache.ExportCache
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(deps Deps) *DownloadHandler {
	return &DownloadHandler{
		records: deps.Records,
		store:   deps.Store,
		conv:    deps.Converter,
		exports: deps.Exports,
	}
}

// ServeHTTP handles the download HTTP request.
func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	ctx := r.Context()

	out, ok := format.Parse(r.PathValue("format"))
	if !ok || out == format.Auto || out == format.Unknown || out.IsArchive() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown export format %q", r.PathValue("format")), requestID)
		return
	}
	rec, err := h.records.GetDataset(ctx, r.PathValue("slug"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if rec.HasTag(records.TagConversionFailed) || storedFormat(rec) == out {
		h.serveStored(w, r, rec)
		return
	}

	src := h.exports.Reserve(format.H5.Extension())
	defer h.exports.Release(src)
	if err := h.store.FetchData(ctx, rec.FileName, src); err != nil {
		writeFailure(w, r, err)
		return
	}
	dest := h.exports.Reserve(out.Extension())
	defer h.exports.Release(dest)
	if err := h.conv.Convert(ctx, src, format.H5, dest, out, convert.Options{}); err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := h.exports.Commit(dest); err != nil {
		writeFailure(w, r, err)
		return
	}
	serveFile(w, r, dest, rec.Slug+"."+out.Extension())
}

func (h *DownloadHandler) serveStored(w http.ResponseWriter, r *http.Request, rec *records.Dataset) {
	local := h.exports.Reserve(strings.TrimPrefix(filepath.Ext(rec.FileName), "."))
	defer h.exports.Release(local)
	if err := h.store.FetchData(r.Context(), rec.FileName, local); err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := h.exports.Commit(local); err != nil {
		writeFailure(w, r, err)
		return
	}
	serveFile(w, r, local, filepath.Base(rec.FileName))
}

func serveFile(w http.ResponseWriter, r *http.Request, path, name string) {
	f, err := os.Open(path)
	if err != nil {
		writeFailure(w, r, fmt.Errorf("http: failed to open export: %w", err))
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeFailure(w, r, fmt.Errorf("http: failed to stat export: %w", err))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}
