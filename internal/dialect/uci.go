package dialect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
)

// UCI reads comma-separated data files from the UCI repository. There is no
// writer: the dialect is import only.
type UCI struct{}

// CommentFile returns the description file that accompanies a UCI data
// file, or "" when there is none.
func CommentFile(path string) string {
	dir, base := filepath.Split(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimSuffix(stem, "-data")
	for _, candidate := range []string{stem + ".names", stem + ".info", stem + "-names"} {
		p := filepath.Join(dir, candidate)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Parse reads path. Lines starting with '|' are comments.
func (UCI) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	sep := opts.Separator
	if sep == "" {
		sep = ","
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("uci: failed to open %s: %w", path, err)
	}
	defer f.Close()

	res := &Parsed{}
	var rows [][]string
	width := -1
	sc := newLineScanner(f)
	for {
		text, line, ok := sc.Next()
		if !ok {
			break
		}
		if err := checkContext(ctx, line); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "|") {
			continue
		}
		rec := format.SplitLine(text, sep)
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if width < 0 {
			width = len(rec)
		}
		if len(rec) != width {
			res.warn(mlerrors.NewParseError("uci", line, fmt.Sprintf("expected %d columns, got %d", width, len(rec))))
			continue
		}
		rows = append(rows, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("uci: failed to read %s: %w", path, err)
	}

	d := dataset.New(datasetName(path, opts))
	if width > 0 {
		if err := columnsToDataset(d, rows, width); err != nil {
			return nil, err
		}
	}
	d.Names = append([]string(nil), d.Ordering...)
	if cf := CommentFile(path); cf != "" {
		comment, err := os.ReadFile(cf)
		if err != nil {
			return nil, fmt.Errorf("uci: failed to read %s: %w", cf, err)
		}
		d.Comment = string(comment)
	}
	res.Dataset = d
	return res, nil
}
