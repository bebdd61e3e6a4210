package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStorage keeps objects as files under a base directory.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates root with its data/ and task/ subdirectories.
func NewLocalStorage(root string) (*LocalStorage, error) {
	for _, sub := range []string{DataPrefix, TaskPrefix} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("storage: failed to create %s: %w", sub, err)
		}
	}
	return &LocalStorage{root: root}, nil
}

// Path returns the filesystem path of an object.
func (l *LocalStorage) Path(objectPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(objectPath))
}

// copyFile writes src to a temp sibling of dst and renames it into place.
func copyFile(src io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%s", dst, uuid.NewString()[:8])
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return uploadFailed(objectPath, err)
	}
	defer src.Close()
	if err := copyFile(src, l.Path(objectPath)); err != nil {
		return uploadFailed(objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(l.Path(objectPath))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return objectNotFound(objectPath)
	case err != nil:
		return downloadFailed(objectPath, err)
	}
	defer src.Close()
	if err := copyFile(src, localPath); err != nil {
		return downloadFailed(objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.Path(objectPath))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: failed to delete %s: %w", objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fi, err := os.Stat(l.Path(objectPath))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("storage: failed to stat %s: %w", objectPath, err)
	}
	return !fi.IsDir(), nil
}

// ListObjects returns slash-separated object paths under prefix. Temp files
// of in-progress uploads are skipped.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(l.Path(prefix), func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil || d.IsDir() {
			return err
		}
		if m, _ := filepath.Match("*.tmp-????????", d.Name()); m {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list %s: %w", prefix, err)
	}
	return keys, nil
}
