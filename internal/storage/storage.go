// Package storage is the dataset bytes store: dataset files under data/ and
// task files under task/, on the local filesystem or in S3.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// Subpaths of the store.
const (
	DataPrefix = "data"
	TaskPrefix = "task"
)

// ObjectStorage abstracts the backing store.
type ObjectStorage interface {
	// Upload copies the local file to objectPath, replacing any object there.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath. A missing object fails with
	// an error matching errors.ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Store places dataset and task files in an ObjectStorage.
type Store struct {
	objects ObjectStorage
}

// NewStore wraps objects.
func NewStore(objects ObjectStorage) *Store {
	return &Store{objects: objects}
}

// DataKey is the object path of a dataset file.
func DataKey(fileName string) string { return path.Join(DataPrefix, cleanName(fileName)) }

// TaskKey is the object path of a task file.
func TaskKey(fileName string) string { return path.Join(TaskPrefix, cleanName(fileName)) }

func cleanName(name string) string {
	return strings.TrimLeft(path.Base(filepath.ToSlash(name)), ".")
}

// PutData moves localPath into the store as the dataset file fileName and
// removes the local copy.
func (s *Store) PutData(ctx context.Context, localPath, fileName string) error {
	return s.put(ctx, localPath, DataKey(fileName))
}

// PutTask moves localPath into the store as the task file fileName.
func (s *Store) PutTask(ctx context.Context, localPath, fileName string) error {
	return s.put(ctx, localPath, TaskKey(fileName))
}

func (s *Store) put(ctx context.Context, localPath, key string) error {
	if err := s.objects.Upload(ctx, localPath, key); err != nil {
		return err
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: failed to remove %s after upload: %w", localPath, err)
	}
	return nil
}

// FetchData copies the dataset file fileName to localPath.
func (s *Store) FetchData(ctx context.Context, fileName, localPath string) error {
	return s.objects.Download(ctx, DataKey(fileName), localPath)
}

// FetchTask copies the task file fileName to localPath.
func (s *Store) FetchTask(ctx context.Context, fileName, localPath string) error {
	return s.objects.Download(ctx, TaskKey(fileName), localPath)
}

// HasData reports whether the dataset file fileName is stored.
func (s *Store) HasData(ctx context.Context, fileName string) (bool, error) {
	return s.objects.Exists(ctx, DataKey(fileName))
}

// DeleteData removes the dataset file fileName.
func (s *Store) DeleteData(ctx context.Context, fileName string) error {
	return s.objects.Delete(ctx, DataKey(fileName))
}

// ListData returns the file names under data/.
func (s *Store) ListData(ctx context.Context) ([]string, error) {
	keys, err := s.objects.ListObjects(ctx, DataPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(filepath.ToSlash(k), DataPrefix+"/")
	}
	return names, nil
}

func uploadFailed(key string, cause error) error {
	return mlerrors.NewStorageError(mlerrors.CodeUploadFailed, "cannot store "+key, cause)
}

func downloadFailed(key string, cause error) error {
	return mlerrors.NewStorageError(mlerrors.CodeDownloadFailed, "cannot fetch "+key, cause)
}

func objectNotFound(key string) error {
	return mlerrors.NewStorageError(mlerrors.CodeObjectNotFound, key+" does not exist", nil)
}
