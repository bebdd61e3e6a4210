// Package dialect implements the parsers that read external dataset files
// into the canonical dataset and the writers that emit them again.
//
// Parsers never stop on a single bad line: the line is dropped and a
// ParseError is recorded in Parsed.Warnings. Writers own their destination
// file and remove it when they fail.
package dialect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

// DefaultSparseDensity is the density below which LibSVM data stays sparse.
const DefaultSparseDensity = 0.5

// ParseOptions tune a parser.
type ParseOptions struct {
	// Separator overrides separator inference for delimited text.
	Separator string
	// FirstRowIsHeader treats the first CSV line as attribute names.
	FirstRowIsHeader bool
	// SparseDensity is the LibSVM sparse/dense cut; zero means the default.
	SparseDensity float64
	// Name overrides the dataset name derived from the file name.
	Name string
}

func (o ParseOptions) density() float64 {
	if o.SparseDensity <= 0 {
		return DefaultSparseDensity
	}
	return o.SparseDensity
}

// Parsed is a parser result plus the lines it had to drop.
type Parsed struct {
	Dataset  *dataset.Dataset
	Warnings []error
}

func (p *Parsed) warn(err error) {
	p.Warnings = append(p.Warnings, err)
}

// Parser reads one dialect into the canonical dataset.
type Parser interface {
	Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error)
}

// Writer emits the canonical dataset in one dialect.
type Writer interface {
	Write(ctx context.Context, d *dataset.Dataset, dest string) error
}

// baseName returns the file name without directories and extensions.
func baseName(path string) string {
	base := filepath.Base(path)
	for {
		ext := filepath.Ext(base)
		if ext == "" || ext == base {
			return base
		}
		base = strings.TrimSuffix(base, ext)
	}
}

func datasetName(path string, opts ParseOptions) string {
	if opts.Name != "" {
		return opts.Name
	}
	return baseName(path)
}

// lineScanner yields lines with 1-based numbers.
type lineScanner struct {
	sc   *bufio.Scanner
	line int
}

func newLineScanner(r io.Reader) *lineScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	return &lineScanner{sc: sc}
}

// Next returns the next line without its terminator.
func (l *lineScanner) Next() (string, int, bool) {
	if !l.sc.Scan() {
		return "", l.line, false
	}
	l.line++
	return strings.TrimRight(l.sc.Text(), "\r"), l.line, true
}

func (l *lineScanner) Err() error { return l.sc.Err() }

// EachLine calls fn with every line of r and its 1-based number until fn
// returns false.
func EachLine(r io.Reader, fn func(line int, text string) bool) error {
	sc := newLineScanner(r)
	for {
		text, line, ok := sc.Next()
		if !ok || !fn(line, text) {
			break
		}
	}
	return sc.Err()
}

// writeAtomic writes dest through a temporary sibling, renaming it into
// place only when fn succeeds.
func writeAtomic(dest, dialect string, fn func(w *bufio.Writer) error) (err error) {
	tmp := fmt.Sprintf("%s.tmp-%s", dest, uuid.New().String()[:8])
	f, err := os.Create(tmp)
	if err != nil {
		return mlerrors.NewWriteError(dialect, "cannot create output", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(f, 256*1024)
	if err = fn(w); err != nil {
		if _, ok := mlerrors.Find(err, mlerrors.ErrWrite); ok {
			return err
		}
		return mlerrors.NewWriteError(dialect, "cannot write output", err)
	}
	if err = w.Flush(); err != nil {
		return mlerrors.NewWriteError(dialect, "cannot flush output", err)
	}
	if err = f.Close(); err != nil {
		return mlerrors.NewWriteError(dialect, "cannot close output", err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return mlerrors.NewWriteError(dialect, "cannot move output into place", err)
	}
	return nil
}

// isMissing reports whether a token marks a missing value.
func isMissing(tok string) bool {
	return tok == "?" || strings.EqualFold(tok, "nan")
}

// parseInt32 parses tok as an int32 that can be stored in an integer group.
// math.MinInt32 is the missing-value marker, so it does not count.
func parseInt32(tok string) (int32, bool) {
	v, err := strconv.ParseInt(tok, 10, 32)
	if err != nil || v == math.MinInt32 {
		return 0, false
	}
	return int32(v), true
}

// inferColumn builds a 1-D group from one column of tokens: integer when
// every non-missing token parses as int32, else double when every one parses
// as float, else string.
func inferColumn(tokens []string) dataset.Column {
	allInt, allFloat, seen := true, true, false
	for _, tok := range tokens {
		if isMissing(tok) {
			continue
		}
		seen = true
		if allInt {
			if _, ok := parseInt32(tok); !ok {
				allInt = false
			}
		}
		if !allInt {
			if _, err := strconv.ParseFloat(tok, 64); err != nil {
				allFloat = false
				break
			}
		}
	}
	if !seen {
		allInt = false
	}

	switch {
	case allInt:
		values := make([]int32, len(tokens))
		for i, tok := range tokens {
			if isMissing(tok) {
				values[i] = dataset.MissingInt
				continue
			}
			values[i], _ = parseInt32(tok)
		}
		return dataset.IntVector(values)
	case allFloat:
		values := make([]float64, len(tokens))
		for i, tok := range tokens {
			if tok == "?" {
				values[i] = math.NaN()
				continue
			}
			values[i], _ = strconv.ParseFloat(tok, 64)
		}
		return dataset.DoubleVector(values)
	default:
		return dataset.StringVector(append([]string(nil), tokens...))
	}
}

// columnsToDataset adds one inferred group per column, keyed by kind and
// position, and records a numeric or string descriptor for each.
func columnsToDataset(d *dataset.Dataset, rows [][]string, width int) error {
	types := make([]string, 0, width)
	for i := 0; i < width; i++ {
		tokens := make([]string, len(rows))
		for j, r := range rows {
			tokens[j] = r[i]
		}
		col := inferColumn(tokens)
		if err := d.Add(fmt.Sprintf("%s%d", col.Kind(), i), col); err != nil {
			return err
		}
		if col.Kind() == dataset.KindString {
			types = append(types, dataset.TypeString)
		} else {
			types = append(types, dataset.TypeNumeric)
		}
	}
	d.Types = types
	return nil
}

// attributeNames maps d's attributes to names, falling back to generated
// names when Names does not line up with the attributes.
func attributeNames(d *dataset.Dataset, attrs []dataset.AttrRef) []string {
	names := d.AttributeNames()
	if len(names) == len(attrs) {
		return names
	}
	out := make([]string, len(attrs))
	for i := range attrs {
		out[i] = fmt.Sprintf("attr%d", i)
	}
	return out
}

// attributeTypes returns the type descriptors for the non-label attributes,
// or nil when d carries none that line up.
func attributeTypes(d *dataset.Dataset, attrs []dataset.AttrRef) []string {
	if len(d.Types) == 0 || len(d.Types) != len(d.Names) {
		return nil
	}
	var out []string
	for i, n := range d.Names {
		if n != dataset.LabelKey {
			out = append(out, d.Types[i])
		}
	}
	if len(out) != len(attrs) {
		return nil
	}
	return out
}

// examples returns the attribute references for writing rows, densifying a
// sparse matrix first.
func examples(d *dataset.Dataset) []dataset.AttrRef {
	if sp, ok := d.Data[dataset.SparseKey].(*dataset.Sparse); ok {
		dense := &dataset.Dataset{
			Ordering: []string{dataset.SparseKey},
			Data:     map[string]dataset.Column{dataset.SparseKey: sp.Dense()},
		}
		return dense.Attributes()
	}
	return d.Attributes()
}

func checkContext(ctx context.Context, line int) error {
	if line%4096 == 0 {
		return ctx.Err()
	}
	return nil
}
