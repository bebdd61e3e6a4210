package dialect

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
)

// CSV reads and writes delimited text.
type CSV struct{}

// Parse reads path. Without an explicit separator it is inferred from the
// first multi-token line; a file with a single column falls back to ",".
func (CSV) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	sep := opts.Separator
	if sep == "" {
		inferred, err := format.InferSeparator(path)
		if err != nil {
			return nil, fmt.Errorf("csv: failed to read %s: %w", path, err)
		}
		sep = inferred
	}
	if sep == "" {
		sep = ","
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: failed to open %s: %w", path, err)
	}
	defer f.Close()

	res := &Parsed{}
	var header []string
	var rows [][]string
	width := -1

	err = readRecords(ctx, f, sep, func(line int, rec []string) {
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if opts.FirstRowIsHeader && header == nil {
			header = rec
			width = len(rec)
			return
		}
		if width < 0 {
			width = len(rec)
		}
		if len(rec) != width {
			res.warn(mlerrors.NewParseError("csv", line, fmt.Sprintf("expected %d columns, got %d", width, len(rec))))
			return
		}
		rows = append(rows, rec)
	})
	if err != nil {
		return nil, err
	}

	d := dataset.New(datasetName(path, opts))
	if width > 0 {
		if err := columnsToDataset(d, rows, width); err != nil {
			return nil, err
		}
	}
	if header != nil {
		d.Names = header
	} else {
		d.Names = append([]string(nil), d.Ordering...)
	}
	res.Dataset = d
	return res, nil
}

// readRecords calls fn for every non-empty record with its 1-based line.
func readRecords(ctx context.Context, r io.Reader, sep string, fn func(line int, rec []string)) error {
	if sep == " " {
		sc := newLineScanner(r)
		for {
			text, line, ok := sc.Next()
			if !ok {
				break
			}
			if err := checkContext(ctx, line); err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			fn(line, format.SplitLine(text, sep))
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("csv: failed to read: %w", err)
		}
		return nil
	}

	cr := csv.NewReader(r)
	cr.Comma = []rune(sep)[0]
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("csv: failed to read: %w", err)
		}
		if err := checkContext(ctx, n); err != nil {
			return err
		}
		line, _ := cr.FieldPos(0)
		fn(line, rec)
	}
}

// Write emits one comma-separated row per example, label cells first. No
// header is written.
func (CSV) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	attrs := examples(d)
	labels := d.LabelAttributes()
	n, _ := d.Shape()

	return writeAtomic(dest, "csv", func(w *bufio.Writer) error {
		cw := csv.NewWriter(w)
		row := make([]string, 0, len(labels)+len(attrs))
		for j := 0; j < n; j++ {
			if err := checkContext(ctx, j+1); err != nil {
				return err
			}
			row = row[:0]
			for _, l := range labels {
				row = append(row, l.Text(j))
			}
			for _, a := range attrs {
				row = append(row, a.Text(j))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
