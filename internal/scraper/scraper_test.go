package scraper

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
)

type env struct {
	records *records.SQLiteStore
	ctrl    *ingest.Controller
	out     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	rs, err := records.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rs.Close() })
	objects, err := storage.NewLocalStorage(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(dir, "tmp")
	os.MkdirAll(tmp, 0755)
	ctrl := ingest.New(ingest.Deps{
		Converter: convert.New(convert.Config{SparseDensity: 0.5}, nil),
		Records:   rs,
		Store:     storage.NewStore(objects),
		TempDir:   tmp,
	})
	return &env{records: rs, ctrl: ctrl, out: filepath.Join(dir, "slurp")}
}

func (e *env) controller(srv *httptest.Server, mode Mode) *Controller {
	fetch := NewFetcher(FetcherConfig{Client: srv.Client(), Concurrency: 2})
	return NewController(fetch, e.ctrl, e.records, nil, Options{OutputDir: e.out, Mode: mode})
}

func serve(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const libsvmIndex = `<html><body>
<h2>tiny</h2>
<ul><li><a href="/files/tiny">tiny</a></li></ul>
<p class="citation">A. Author and B. Author. "Tiny problems, small answers". Journal of Tests, 2001.</p>
<h2>pair</h2>
<ul>
<li><a href="/files/pair.t">testing</a></li>
<li><a href="/files/pair">training</a></li>
</ul>
</body></html>`

func libsvmPages() map[string]string {
	return map[string]string{
		"/index.html":   libsvmIndex,
		"/files/tiny":   "1 1:0.5 2:1\n-1 1:0.25\n",
		"/files/pair":   "1 1:1\n-1 2:1\n",
		"/files/pair.t": "1 1:1 2:1",
	}
}

func TestLibSVMToolsRun(t *testing.T) {
	e := newEnv(t)
	srv := serve(t, libsvmPages())
	ctx := context.Background()
	src := LibSVMTools{IndexURL: srv.URL + "/index.html"}

	report, err := e.controller(srv, ModeDefault).Run(ctx, src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Items != 2 || report.Added != 2 || report.Tasks != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Downloaded != 3 {
		t.Errorf("downloaded = %d, want 3", report.Downloaded)
	}

	tiny, err := e.records.FindDatasetByName(ctx, "tiny")
	if err != nil {
		t.Fatal(err)
	}
	if !tiny.IsApproved || !tiny.HasTag(records.TagScraped) || tiny.NumInstances != 2 {
		t.Errorf("tiny = %+v", tiny)
	}
	pubs, err := e.records.Publications(ctx, tiny.ID)
	if err != nil || len(pubs) != 1 || pubs[0].Title != "Tiny problems, small answers" {
		t.Errorf("publications = %+v, %v", pubs, err)
	}

	pair, err := e.records.FindDatasetByName(ctx, "pair")
	if err != nil {
		t.Fatal(err)
	}
	if pair.NumInstances != 3 {
		t.Errorf("pair has %d instances, want 3", pair.NumInstances)
	}
	tk, err := e.records.GetTask(ctx, "pair")
	if err != nil || tk.DatasetSlug != pair.Slug {
		t.Errorf("task = %+v, %v", tk, err)
	}

	again, err := e.controller(srv, ModeDefault).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 || again.Skipped != 2 || again.Downloaded != 0 {
		t.Errorf("second run = %+v", again)
	}
}

func TestDownloadOnlyThenAddOnly(t *testing.T) {
	e := newEnv(t)
	srv := serve(t, libsvmPages())
	ctx := context.Background()
	src := LibSVMTools{IndexURL: srv.URL + "/index.html"}

	if _, err := e.controller(srv, ModeAddOnly).Run(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := e.records.FindDatasetByName(ctx, "tiny"); err == nil {
		t.Fatal("add-only must not download")
	}

	report, err := e.controller(srv, ModeDownloadOnly).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Downloaded != 3 || report.Added != 0 {
		t.Errorf("download-only = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(e.out, "LibSVMTools", "tiny", "tiny")); err != nil {
		t.Errorf("file not downloaded: %v", err)
	}

	report, err = e.controller(srv, ModeAddOnly).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 2 || report.Downloaded != 0 {
		t.Errorf("add-only = %+v", report)
	}
}

func TestConvertExist(t *testing.T) {
	e := newEnv(t)
	srv := serve(t, libsvmPages())
	ctx := context.Background()
	src := LibSVMTools{IndexURL: srv.URL + "/index.html"}

	if _, err := e.controller(srv, ModeDefault).Run(ctx, src); err != nil {
		t.Fatal(err)
	}
	before, _ := e.records.FindDatasetByName(ctx, "tiny")

	report, err := e.controller(srv, ModeConvertExist).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Reconverted != 2 || report.Added != 0 || report.Downloaded != 0 {
		t.Errorf("report = %+v", report)
	}
	after, _ := e.records.FindDatasetByName(ctx, "tiny")
	if after.Version != before.Version || after.ExtractCache != before.ExtractCache || after.Fingerprint != before.Fingerprint {
		t.Errorf("record changed:\n%+v\n%+v", before, after)
	}
}

func arffJar(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("weka/numeric/points.arff")
	w.Write([]byte("@relation points\n@attribute x numeric\n@attribute y numeric\n@data\n1,2\n3,4\n5,6\n"))
	w, _ = zw.Create("weka/README")
	w.Write([]byte("nothing to see\n"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestWekaRun(t *testing.T) {
	e := newEnv(t)
	srv := serve(t, map[string]string{
		"/weka.html":         `<ul><li><a href="files/numeric.jar">Numeric datasets</a></li><li><a href="about.html">About</a></li></ul>`,
		"/files/numeric.jar": arffJar(t),
	})
	ctx := context.Background()

	report, err := e.controller(srv, ModeDefault).Run(ctx, Weka{IndexURL: srv.URL + "/weka.html"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Items != 1 || report.Added != 1 {
		t.Fatalf("report = %+v", report)
	}
	rec, err := e.records.FindDatasetByName(ctx, "points points")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != "arff" || rec.NumInstances != 3 {
		t.Errorf("record = %+v", rec)
	}
}

func uciPages(withNames bool) map[string]string {
	listing := `<a href="../">Parent Directory</a> <a href="?C=N;O=D">Name</a> <a href="iris.data">iris.data</a>`
	if withNames {
		listing += ` <a href="iris.names">iris.names</a>`
	} else {
		listing += ` <a href="notes.txt">notes.txt</a>`
	}
	return map[string]string{
		"/ml/datasets.html": `<table><tr><td><a href="datasets/Iris">Iris</a></td></tr></table>`,
		"/ml/datasets/Iris": `<p><a href="../machine-learning-databases/iris/">Data Folder</a></p>
<p class="citation">R. A. Fisher. "The use of multiple measurements in taxonomic problems". 1936.</p>`,
		"/ml/machine-learning-databases/iris/":           listing,
		"/ml/machine-learning-databases/iris/iris.data":  "5.1,3.5,setosa\n4.9,3.0,setosa\n6.3,3.3,virginica\n",
		"/ml/machine-learning-databases/iris/iris.names": "Iris Plants Database\n",
		"/ml/machine-learning-databases/iris/notes.txt":  "see the data file\n",
	}
}

func TestUCIPair(t *testing.T) {
	e := newEnv(t)
	srv := serve(t, uciPages(true))
	ctx := context.Background()

	report, err := e.controller(srv, ModeDefault).Run(ctx, UCI{IndexURL: srv.URL + "/ml/datasets.html"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 1 || report.Downloaded != 2 {
		t.Fatalf("report = %+v", report)
	}
	rec, err := e.records.FindDatasetByName(ctx, "Iris")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != "uci" || rec.NumInstances != 3 || rec.SourceURL != srv.URL+"/ml/datasets/Iris" {
		t.Errorf("record = %+v", rec)
	}
	pubs, _ := e.records.Publications(ctx, rec.ID)
	if len(pubs) != 1 || pubs[0].Title != "The use of multiple measurements in taxonomic problems" {
		t.Errorf("publications = %+v", pubs)
	}
}

func TestUCIWithoutNamesIsBagged(t *testing.T) {
	e := newEnv(t)
	pages := uciPages(false)
	pages["/ml/machine-learning-databases/iris/notes.txt"] = "\x00\x01\x02"
	srv := serve(t, pages)
	ctx := context.Background()

	if _, err := e.controller(srv, ModeDefault).Run(ctx, UCI{IndexURL: srv.URL + "/ml/datasets.html"}); err != nil {
		t.Fatal(err)
	}
	rec, err := e.records.FindDatasetByName(ctx, "Iris")
	if err != nil {
		t.Fatal(err)
	}
	// The bag holds one dataset file, so ingestion converts that member.
	if rec.Format != "uci" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPublication(t *testing.T) {
	tests := []struct {
		citation string
		title    string
	}{
		{`C. Chang. "LIBSVM: a library". ACM TIST, 2011.`, "LIBSVM: a library"},
		{"Someone. “Curly quoted title”. 1999.", "Curly quoted title"},
		{"No quotes  at all", "No quotes at all"},
	}
	for _, tt := range tests {
		p := Publication(tt.citation)
		if p.Title != tt.title {
			t.Errorf("Publication(%q).Title = %q, want %q", tt.citation, p.Title, tt.title)
		}
	}
}

func TestSplitRankOrdersFiles(t *testing.T) {
	files := []string{"a.t", "a.val", "a"}
	acts, err := libsvmGroup("a", files, t.TempDir())
	if err == nil {
		t.Fatalf("missing files should fail to concatenate, got %+v", acts)
	}
	if splitRank("a") != 0 || splitRank("a.val") != 1 || splitRank("a.t") != 2 {
		t.Error("unexpected ranks")
	}
}

func TestLocalName(t *testing.T) {
	if got := LocalName("http://x.org/a/b/iris.data?raw=1"); got != "iris.data" {
		t.Errorf("got %q", got)
	}
	if got := LocalName("http://x.org/"); got != "index" {
		t.Errorf("got %q", got)
	}
}
