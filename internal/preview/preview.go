// Package preview builds the extract shown next to a dataset for any stored
// file: H5 files directly, other dialects through an on-the-fly conversion,
// archives as a member listing and anything else as its first lines.
package preview

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/mldata/mldata/internal/archive"
	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/detect"
	"github.com/mldata/mldata/internal/dialect"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/observability"
)

// Archive row headers.
const (
	ZipArchive = "ZIP archive"
	TarArchive = "(Zipped) TAR archive"
)

// Engine produces extracts.
type Engine struct {
	conv    *convert.Converter
	metrics *observability.Metrics
	tempDir string
}

// New creates an engine that converts into tempDir. metrics may be nil.
func New(conv *convert.Converter, metrics *observability.Metrics, tempDir string) *Engine {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Engine{conv: conv, metrics: metrics, tempDir: tempDir}
}

// Extract returns the preview of path stored as f (format.Auto detects it).
// The extract is never nil: on an internal failure it is empty and err
// describes the failure, stack included, for the admin mail.
func (e *Engine) Extract(ctx context.Context, path string, f format.Format) (ex *h5.Extract, err error) {
	defer func() {
		if r := recover(); r != nil {
			ex = h5.Empty()
			err = fmt.Errorf("preview: extract %s panicked: %v\n%s", path, r, debug.Stack())
		}
		if err != nil {
			e.metrics.ExtractFailed()
		}
	}()

	if f == format.Auto || f == "" {
		f = detect.Detect(ctx, path)
	}

	switch {
	case f == format.H5:
		return e.fromH5(ctx, path)
	case f == format.Zip || f == format.Tar || f == format.TarGz || f == format.TarBz2:
		return e.fromArchive(path, f)
	case f == format.Gz || f == format.Bz2:
		inner, err := archive.Unnest(ctx, path)
		if err != nil {
			return h5.Empty(), err
		}
		if inner == path {
			return h5.Empty(), nil
		}
		defer os.Remove(inner)
		return e.Extract(ctx, inner, format.Auto)
	}

	if _, ok := dialect.ParserFor(f); ok {
		ex, err := e.converted(ctx, path, f)
		if err == nil {
			return ex, nil
		}
		log.Printf("preview: %s does not parse as %s: %v", path, f, err)
	}
	return fallback(path)
}

func (e *Engine) fromH5(ctx context.Context, path string) (*h5.Extract, error) {
	var ex *h5.Extract
	err := h5.WithReader(ctx, path, func(f *h5.File) error {
		ex = h5.ExtractFrom(ctx, f)
		return nil
	})
	if err != nil {
		return h5.Empty(), err
	}
	return ex, nil
}

func (e *Engine) fromArchive(path string, f format.Format) (*h5.Extract, error) {
	names, err := archive.Members(path)
	if err != nil {
		return h5.Empty(), err
	}
	kind := TarArchive
	if f == format.Zip {
		kind = ZipArchive
	}
	ex := h5.Empty()
	ex.Data = [][]string{{kind, strings.Join(names, ",")}}
	return ex, nil
}

// converted parses path into a temporary H5 file and extracts that.
func (e *Engine) converted(ctx context.Context, path string, f format.Format) (*h5.Extract, error) {
	d, err := e.conv.Parse(ctx, path, f, convert.Options{})
	if err != nil {
		return nil, err
	}
	tmp := filepath.Join(e.tempDir, "preview-"+uuid.New().String()+".h5")
	defer os.Remove(tmp)
	if err := convert.WriteH5(ctx, tmp, d); err != nil {
		return nil, err
	}
	return e.fromH5(ctx, tmp)
}

// fallback shows the first lines of a text file as one column; binary files
// get an empty extract.
func fallback(path string) (*h5.Extract, error) {
	ex := h5.Empty()
	if format.IsBinary(path) {
		return ex, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return ex, err
	}
	defer fh.Close()
	err = dialect.EachLine(fh, func(line int, text string) bool {
		ex.Data = append(ex.Data, []string{text})
		return line < h5.ExtractRows
	})
	if err != nil {
		return h5.Empty(), err
	}
	return ex, nil
}
