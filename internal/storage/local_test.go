package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

func TestLocalStorageLifecycle(t *testing.T) {
	ls, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "iris.csv")
	if err := os.WriteFile(src, []byte("5.1,3.5,setosa\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ls.Upload(ctx, src, "data/iris.csv"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, err := ls.Exists(ctx, "data/iris.csv"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if ok, _ := ls.Exists(ctx, "data"); ok {
		t.Error("a directory is not an object")
	}

	dst := filepath.Join(t.TempDir(), "nested", "copy.csv")
	if err := ls.Download(ctx, "data/iris.csv", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "5.1,3.5,setosa\n" {
		t.Errorf("downloaded %q", b)
	}

	for i := 0; i < 2; i++ {
		if err := ls.Delete(ctx, "data/iris.csv"); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if ok, _ := ls.Exists(ctx, "data/iris.csv"); ok {
		t.Error("object survived Delete")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := ls.Upload(cancelled, src, "data/late.csv"); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload with cancelled context = %v", err)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	err = storage.Download(context.Background(), "data/nonexistent.h5", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, mlerrors.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_UploadLeavesNoTempFiles(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "a")
	os.WriteFile(src, []byte("a"), 0644)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := storage.Upload(ctx, src, "data/a.h5"); err != nil {
			t.Fatal(err)
		}
	}
	objects, err := storage.ListObjects(ctx, DataPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(objects, []string{"data/a.h5"}) {
		t.Errorf("objects = %v", objects)
	}
}

func TestStore_DataAndTaskSubpaths(t *testing.T) {
	baseDir := t.TempDir()
	local, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(local)
	ctx := context.Background()

	for _, name := range []string{"iris.h5", "wine.h5"} {
		src := filepath.Join(t.TempDir(), name)
		os.WriteFile(src, []byte(name), 0644)
		if err := store.PutData(ctx, src, name); err != nil {
			t.Fatalf("PutData failed: %v", err)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("local copy of %s not removed", name)
		}
	}
	task := filepath.Join(t.TempDir(), "iris-task.h5")
	os.WriteFile(task, []byte("task"), 0644)
	if err := store.PutTask(ctx, task, "iris-task.h5"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(baseDir, "task", "iris-task.h5")); err != nil {
		t.Errorf("task file not under task/: %v", err)
	}
	names, err := store.ListData(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"iris.h5", "wine.h5"}) {
		t.Errorf("data names = %v", names)
	}

	dst := filepath.Join(t.TempDir(), "out.h5")
	if err := store.FetchData(ctx, "iris.h5", dst); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "iris.h5" {
		t.Errorf("fetched %q", b)
	}
	if ok, _ := store.HasData(ctx, "../etc/passwd"); ok {
		t.Error("names must not escape data/")
	}
	if err := store.DeleteData(ctx, "wine.h5"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.HasData(ctx, "wine.h5"); ok {
		t.Error("wine.h5 still stored")
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DataKey("iris.h5"), "data/iris.h5"},
		{DataKey("../../x.h5"), "data/x.h5"},
		{DataKey(".hidden"), "data/hidden"},
		{TaskKey("t.h5"), "task/t.h5"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
