package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Region string
	// Endpoint selects an S3-compatible service such as MinIO.
	Endpoint     string
	UsePathStyle bool
	// Prefix is prepended to every key so one bucket can hold several
	// installs.
	Prefix string
	// PartSize is the multipart threshold and part size. S3 rejects parts
	// under 5 MiB.
	PartSize int64
	Attempts int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1", PartSize: 8 << 20, Attempts: 4}
}

// S3Storage implements ObjectStorage on a bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage loads the default AWS credential chain and returns a bucket
// backend.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	def := DefaultS3Config()
	if cfg.PartSize < 5<<20 {
		cfg.PartSize = def.PartSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}
}

func (s *S3Storage) key(objectPath string) *string {
	return aws.String(path.Join(s.cfg.Prefix, objectPath))
}

func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return uploadFailed(objectPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return uploadFailed(objectPath, err)
	}

	if fi.Size() > s.cfg.PartSize {
		err = s.uploadParts(ctx, f, fi.Size(), objectPath)
	} else {
		err = s.withRetry(ctx, func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           s.key(objectPath),
				Body:          io.NewSectionReader(f, 0, fi.Size()),
				ContentLength: aws.Int64(fi.Size()),
			})
			return err
		})
	}
	if err != nil {
		return uploadFailed(objectPath, err)
	}
	return nil
}

// uploadParts sends f as a multipart upload, retrying each part on its own
// and aborting the upload if any part finally fails.
func (s *S3Storage) uploadParts(ctx context.Context, f *os.File, size int64, objectPath string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(objectPath),
	})
	if err != nil {
		return err
	}
	id := created.UploadId

	var parts []types.CompletedPart
	for off, n := int64(0), int32(1); off < size; off, n = off+s.cfg.PartSize, n+1 {
		length := min(s.cfg.PartSize, size-off)
		var etag *string
		err := s.withRetry(ctx, func() error {
			out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           s.key(objectPath),
				UploadId:      id,
				PartNumber:    aws.Int32(n),
				Body:          io.NewSectionReader(f, off, length),
				ContentLength: aws.Int64(length),
			})
			if err == nil {
				etag = out.ETag
			}
			return err
		})
		if err != nil {
			s.abort(objectPath, id)
			return fmt.Errorf("part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(n)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             s.key(objectPath),
		UploadId:        id,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(objectPath, id)
	}
	return err
}

// abort runs on a fresh context so a cancelled upload still releases its
// parts.
func (s *S3Storage) abort(objectPath string, id *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      s.key(objectPath),
		UploadId: id,
	}); err != nil {
		log.Printf("storage: failed to abort multipart upload of %s: %v", objectPath, err)
	}
}

// Download streams the object into a sibling temp file and renames it over
// localPath, so a failed transfer never leaves a truncated file behind.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	tmp := filepath.Join(filepath.Dir(localPath), "."+filepath.Base(localPath)+"-"+uuid.NewString()[:8])
	err := s.withRetry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				return objectNotFound(objectPath)
			}
			return err
		}
		defer out.Body.Close()
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		os.Remove(tmp)
		if errors.Is(err, mlerrors.ErrObjectNotFound) {
			return err
		}
		return downloadFailed(objectPath, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return downloadFailed(objectPath, err)
	}
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: failed to delete %s: %w", objectPath, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	found := true
	err := s.withRetry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		var nf *types.NotFound
		if errors.As(err, &nf) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: failed to stat %s: %w", objectPath, err)
	}
	return found, nil
}

// ListObjects returns object paths under prefix relative to the install
// prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	root := ""
	if s.cfg.Prefix != "" {
		root = strings.TrimSuffix(s.cfg.Prefix, "/") + "/"
	}
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: s.key(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), root))
		}
	}
	return keys, nil
}

// withRetry runs op up to cfg.Attempts times with doubling delays from
// 100ms. A missing object is final.
func (s *S3Storage) withRetry(ctx context.Context, op func() error) error {
	delay := 100 * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || errors.Is(err, mlerrors.ErrObjectNotFound) || attempt >= s.cfg.Attempts {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
