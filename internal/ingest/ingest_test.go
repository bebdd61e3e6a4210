package ingest

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/mldata/mldata/internal/convert"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
	"github.com/mldata/mldata/internal/task"
)

type fixedPolicy uint64

func (p fixedPolicy) MaxDataSize() (uint64, error) { return uint64(p), nil }

type harness struct {
	ctrl    *Controller
	records *records.SQLiteStore
	objects *storage.LocalStorage
	mail    *notify.Recorder
	dir     string
}

func newHarness(t *testing.T, limit uint64) *harness {
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
	tmp := filepath.Join(dir, "tmp")
	os.MkdirAll(tmp, 0755)
	mail := &notify.Recorder{}
	ctrl := New(Deps{
		Converter: convert.New(convert.Config{SparseDensity: 0.5}, nil),
		Records:   rs,
		Store:     storage.NewStore(objects),
		Policy:    fixedPolicy(limit),
		Mail:      mail,
		TempDir:   tmp,
		Verify:    true,
	})
	return &harness{ctrl: ctrl, records: rs, objects: objects, mail: mail, dir: dir}
}

func (h *harness) stored(t *testing.T, fileName string) string {
	t.Helper()
	p := h.objects.Path(storage.DataKey(fileName))
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("%s not in the store: %v", fileName, err)
	}
	return p
}

func TestIngestCSV(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	rec, err := h.ctrl.Ingest(ctx, Request{
		Name:     "Tiny Table",
		FileName: "tiny.csv",
		Body:     strings.NewReader("a,1,2.0\nb,3,4.5\nc,?,6.0\n"),
		Public:   true,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.NumInstances != 3 || rec.NumAttributes != 3 {
		t.Errorf("shape = (%d, %d), want (3, 3)", rec.NumInstances, rec.NumAttributes)
	}
	if rec.Format != "csv" || rec.Slug != "tiny-table" || rec.FileName != "tiny-table.h5" {
		t.Errorf("got %+v", rec)
	}
	if rec.ExtractCache == "" || rec.Fingerprint == "" {
		t.Error("extract cache and fingerprint should be set")
	}
	h.stored(t, "tiny-table.h5")

	got, err := h.records.GetDataset(ctx, "tiny-table")
	if err != nil {
		t.Fatalf("GetDataset failed: %v", err)
	}
	if !got.IsCurrent || got.Version != 1 || got.HasTag(records.TagConversionFailed) {
		t.Errorf("stored record = %+v", got)
	}
	if !got.IsApproved || !got.IsPublic {
		t.Errorf("a converted upload is approved and keeps its visibility: %+v", got)
	}
	if got.AttributeTypes != `["string","numeric","numeric"]` {
		t.Errorf("attribute types = %q", got.AttributeTypes)
	}

	// The stored H5 exports back to the same rows.
	out := filepath.Join(h.dir, "back.csv")
	conv := convert.New(convert.Config{SparseDensity: 0.5}, nil)
	if err := conv.Convert(ctx, h.stored(t, "tiny-table.h5"), "h5", out, "csv", convert.Options{}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	body, _ := os.ReadFile(out)
	if string(body) != "a,1,2.0\nb,3,4.5\nc,nan,6.0\n" {
		t.Errorf("export = %q", body)
	}
}

func TestIngestNewVersion(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.ctrl.Ingest(ctx, Request{
			Name:     "Twice",
			FileName: "t.csv",
			Body:     strings.NewReader("1,2\n3,4\n"),
		}); err != nil {
			t.Fatalf("upload %d failed: %v", i, err)
		}
	}
	cur, err := h.records.GetDataset(ctx, "twice")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 2 {
		t.Errorf("current version = %d, want 2", cur.Version)
	}
	old, err := h.records.GetDatasetVersion(ctx, "twice", 1)
	if err != nil || old.IsCurrent {
		t.Errorf("old version = %+v, %v", old, err)
	}
}

func TestIngestSizePolicy(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	rec, err := h.ctrl.Ingest(ctx, Request{
		Name:     "Too Big",
		FileName: "big.csv",
		Body:     strings.NewReader("1,2,3\n4,5,6\n7,8,9\n"),
	})
	if !errors.Is(err, mlerrors.ErrSizePolicyExceeded) {
		t.Fatalf("expected size policy error, got %v", err)
	}
	if rec != nil {
		t.Error("no record should be returned")
	}
	if _, err := h.records.FindDatasetByName(ctx, "Too Big"); !errors.Is(err, mlerrors.ErrRecordNotFound) {
		t.Errorf("record was created: %v", err)
	}
}

func TestIngestConversionFailure(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	rec, err := h.ctrl.Ingest(ctx, Request{
		Name:     "Broken",
		FileName: "broken.arff",
		Body:     strings.NewReader("not an arff file at all\n"),
		Public:   true,
	})
	if !errors.Is(err, mlerrors.ErrConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if rec == nil {
		t.Fatal("expected the conversion_failed record")
	}
	if rec.IsPublic || rec.IsApproved || !rec.HasTag(records.TagConversionFailed) {
		t.Errorf("record = %+v", rec)
	}
	if rec.FileName != "broken.arff" {
		t.Errorf("file name = %s", rec.FileName)
	}
	h.stored(t, rec.FileName)

	msgs := h.mail.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Subject, "Broken") {
		t.Errorf("admin mail = %+v", msgs)
	}
}

func TestIngestConfirmedFailureIsApproved(t *testing.T) {
	h := newHarness(t, 0)
	rec, err := h.ctrl.Ingest(context.Background(), Request{
		Name:     "Scraped Junk",
		FileName: "junk.arff",
		Body:     strings.NewReader("not an arff file at all\n"),
		Public:   true,
		Approved: true,
	})
	if !errors.Is(err, mlerrors.ErrConversion) || rec == nil {
		t.Fatalf("got %+v, %v", rec, err)
	}
	if !rec.IsApproved || rec.IsPublic {
		t.Errorf("record = %+v", rec)
	}
}

func TestIngestUCIWithoutVerification(t *testing.T) {
	h := newHarness(t, 0)
	rec, err := h.ctrl.Ingest(context.Background(), Request{
		Name:     "uci thing",
		FileName: "thing.data",
		Body:     strings.NewReader("1,2,a\n3,4,b\n"),
	})
	if err != nil {
		t.Fatalf("UCI ingest should skip verification: %v", err)
	}
	if rec.Format != "uci" || rec.NumInstances != 2 {
		t.Errorf("got %+v", rec)
	}
}

func tarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		body := files[n]
		if err := tw.WriteHeader(&tar.Header{Name: n, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIngestBagOfStuff(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	src := filepath.Join(h.dir, "stuff.tar.gz")
	tarGz(t, src, map[string]string{
		"readme.txt":  "hello\n",
		"notes.doc":   "\x00\x01binary",
		"other.thing": "???\n",
	})

	rec, err := h.ctrl.Ingest(ctx, Request{Name: "Stuff", Path: src, Public: true})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.Format != "tar.bz2" || !rec.HasTag(records.TagConversionFailed) {
		t.Errorf("record = %+v", rec)
	}
	if rec.IsPublic || rec.IsApproved {
		t.Errorf("a bag is kept private and unapproved: %+v", rec)
	}
	if rec.FileName != "stuff.tar.bz2" {
		t.Errorf("file name = %s", rec.FileName)
	}
	if ok, _ := h.ctrl.store.HasData(ctx, "stuff.h5"); ok {
		t.Error("no H5 should be written")
	}

	fh, err := os.Open(h.stored(t, rec.FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	tr := tar.NewReader(bzip2.NewReader(fh))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("bad bag: %v", err)
		}
		names = append(names, hdr.Name)
	}
	want := []string{"stuff/notes.doc", "stuff/other.thing", "stuff/readme.txt"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Errorf("bag members = %v, want %v", names, want)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("a Path upload must be left in place")
	}
}

func TestIngestSizePolicyCoversArchiveMembers(t *testing.T) {
	h := newHarness(t, 64)
	ctx := context.Background()
	src := filepath.Join(h.dir, "big.tar.gz")
	tarGz(t, src, map[string]string{
		"a.bin": strings.Repeat("x", 5000),
		"b.bin": strings.Repeat("y", 5000),
	})

	rec, err := h.ctrl.Ingest(ctx, Request{Name: "Big Bag", Path: src})
	if !errors.Is(err, mlerrors.ErrSizePolicyExceeded) {
		t.Fatalf("expected size policy error, got %v (record %+v)", err, rec)
	}
	if _, err := h.records.FindDatasetByName(ctx, "Big Bag"); !errors.Is(err, mlerrors.ErrRecordNotFound) {
		t.Errorf("record was created: %v", err)
	}
}

func TestIngestSingleDatasetInArchive(t *testing.T) {
	h := newHarness(t, 0)
	src := filepath.Join(h.dir, "pair.tar.gz")
	tarGz(t, src, map[string]string{
		"iris/iris.data":  "5.1,3.5,a\n4.9,3.0,b\n",
		"iris/iris.names": "Iris plants database\n",
	})
	rec, err := h.ctrl.Ingest(context.Background(), Request{Name: "iris", Path: src})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.Format != "uci" || rec.NumInstances != 2 {
		t.Errorf("record = %+v", rec)
	}
}

func TestReingestIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	src := filepath.Join(h.dir, "same.csv")
	os.WriteFile(src, []byte("1,2\n3,4\n5,6\n"), 0644)

	first, err := h.ctrl.Ingest(ctx, Request{Name: "Same", Path: src, Approved: true})
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.ctrl.Reingest(ctx, first.Slug, src, Request{})
	if err != nil {
		t.Fatalf("Reingest failed: %v", err)
	}
	if again.Version != first.Version || again.Fingerprint != first.Fingerprint ||
		again.ExtractCache != first.ExtractCache || again.AttributeTypes != first.AttributeTypes {
		t.Errorf("metadata changed:\n%+v\n%+v", first, again)
	}
}

func TestReingestRepairsFailedRecord(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	src := filepath.Join(h.dir, "data.arff")
	os.WriteFile(src, []byte("garbage\n"), 0644)
	if _, err := h.ctrl.Ingest(ctx, Request{Name: "Fixable", Path: src}); err == nil {
		t.Fatal("expected the first upload to fail")
	}

	fixed := filepath.Join(h.dir, "fixed.csv")
	os.WriteFile(fixed, []byte("1,2\n3,4\n"), 0644)
	rec, err := h.ctrl.Reingest(ctx, "fixable", fixed, Request{})
	if err != nil {
		t.Fatalf("Reingest failed: %v", err)
	}
	if rec.HasTag(records.TagConversionFailed) || rec.FileName != "fixable.h5" || rec.NumInstances != 2 {
		t.Errorf("record = %+v", rec)
	}
	h.stored(t, "fixable.h5")
	if ok, _ := h.ctrl.store.HasData(ctx, "fixable.arff"); ok {
		t.Error("the unconverted file should be replaced")
	}
}

func TestRegisterTask(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if _, err := h.ctrl.Ingest(ctx, Request{
		Name:     "ten",
		FileName: "ten.csv",
		Body:     strings.NewReader("0\n1\n2\n3\n4\n5\n6\n7\n8\n9\n"),
	}); err != nil {
		t.Fatal(err)
	}
	train := filepath.Join(h.dir, "train")
	test := filepath.Join(h.dir, "test")
	os.WriteFile(train, []byte("0\n1\n2\n3\n4\n5\n"), 0644)
	os.WriteFile(test, []byte("6\n7\n8\n9\n"), 0644)

	tk, err := h.ctrl.RegisterTask(ctx, TaskRequest{Name: "ten split", DatasetSlug: "ten", SplitFiles: []string{train, test}})
	if err != nil {
		t.Fatalf("RegisterTask failed: %v", err)
	}
	if tk.Slug != "ten-split" || tk.Version != 1 {
		t.Errorf("task = %+v", tk)
	}
	p := h.objects.Path(storage.TaskKey(tk.FileName))
	row, err := task.SplitImage(ctx, p, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{1, 1, 1, 1, 1, 1, 3, 3, 3, 3}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("split image = %v, want %v", row, want)
		}
	}
}

func TestRegisterTaskNeedsSplits(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.ctrl.RegisterTask(context.Background(), TaskRequest{Name: "x", DatasetSlug: "y"})
	if !errors.Is(err, mlerrors.ErrInvalidSplit) {
		t.Errorf("expected invalid split, got %v", err)
	}
}

func TestSlug(t *testing.T) {
	if got := Slug("Iris Plants (UCI)"); got != "iris-plants-uci" {
		t.Errorf("Slug = %q", got)
	}
	if got := Slug("!!!"); got != "dataset" {
		t.Errorf("Slug of punctuation = %q", got)
	}
	long := strings.Repeat("abcdefghij ", 10)
	for i := 0; i < 20; i++ {
		s := WithSuffix(Slug(long))
		if len(s) > records.MaxSlugLength {
			t.Fatalf("%q is longer than %d", s, records.MaxSlugLength)
		}
	}
}
