package dialect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

// OctaveHeader opens every file the Octave writer produces.
const OctaveHeader = "# Created by Octave 3.2.4, mldata"

// Octave reads and writes Octave text files (save -text). Supported types
// are scalar, matrix, string and sq_string. A matrix variable keeps its
// orientation: rows are attributes, columns are examples.
type Octave struct{}

type octaveReader struct {
	sc      *lineScanner
	pending *string
	line    int
}

func (r *octaveReader) next() (string, bool) {
	if r.pending != nil {
		s := *r.pending
		r.pending = nil
		return s, true
	}
	text, line, ok := r.sc.Next()
	r.line = line
	return text, ok
}

func (r *octaveReader) unread(s string) { r.pending = &s }

// header parses "# key: value"; ok is false for any other line.
func octaveHeaderLine(text string) (key, value string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(text), "#")
	if !found {
		return "", "", false
	}
	key, value, ok = strings.Cut(rest, ":")
	return strings.TrimSpace(key), strings.TrimSpace(value), ok
}

type octaveVar struct {
	name string
	col  dataset.Column
}

// Parse reads path.
func (Octave) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("octave: failed to open %s: %w", path, err)
	}
	defer f.Close()

	res := &Parsed{}
	r := &octaveReader{sc: newLineScanner(f)}
	var vars []octaveVar

	for {
		text, ok := r.next()
		if !ok {
			break
		}
		if err := checkContext(ctx, r.line); err != nil {
			return nil, err
		}
		key, name, isHeader := octaveHeaderLine(text)
		if !isHeader || key != "name" {
			continue
		}
		col, err := readOctaveVar(r, name)
		if skip, ok := err.(unsupportedVar); ok {
			res.warn(skip.error)
			continue
		}
		if err != nil {
			return nil, err
		}
		if name == "__nargin__" {
			continue
		}
		vars = append(vars, octaveVar{name: name, col: col})
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("octave: failed to read %s: %w", path, err)
	}

	d := dataset.New(datasetName(path, opts))
	for _, v := range vars {
		if v.name == dataset.LabelKey {
			d.Label = v.col
			d.Names = append([]string{dataset.LabelKey}, d.Names...)
			continue
		}
		if err := d.Add(v.name, v.col); err != nil {
			return nil, err
		}
		rows, _ := v.col.Dims()
		d.Names = append(d.Names, rowNames(v.name, rows)...)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	res.Dataset = d
	return res, nil
}

func rowNames(name string, rows int) []string {
	if rows == 1 {
		return []string{name}
	}
	out := make([]string, rows)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", name, i)
	}
	return out
}

// unsupportedVar marks a variable that was skipped rather than rejected.
type unsupportedVar struct{ error }

// readOctaveVar reads the headers and body following "# name:". Variables of
// unsupported types are skipped up to the next "# name:".
func readOctaveVar(r *octaveReader, name string) (dataset.Column, error) {
	headers := map[string]string{}
	for {
		text, ok := r.next()
		if !ok {
			return nil, mlerrors.NewParseError("octave", r.line, fmt.Sprintf("variable %s: unexpected end of file", name))
		}
		key, value, isHeader := octaveHeaderLine(text)
		if !isHeader {
			r.unread(text)
			break
		}
		if key == "name" {
			r.unread(text)
			break
		}
		headers[key] = value
		if key == "elements" {
			break
		}
		if typ := headers["type"]; typ == "scalar" {
			break
		}
		if _, hasCols := headers["columns"]; hasCols {
			break
		}
	}

	bad := func(format string, args ...interface{}) error {
		return mlerrors.NewParseError("octave", r.line, fmt.Sprintf("variable %s: ", name)+fmt.Sprintf(format, args...))
	}
	atoi := func(key string) (int, error) {
		n, err := strconv.Atoi(headers[key])
		if err != nil || n < 0 {
			return 0, bad("bad %s %q", key, headers[key])
		}
		return n, nil
	}

	switch typ := headers["type"]; typ {
	case "scalar":
		text, ok := r.next()
		if !ok {
			return nil, bad("missing scalar value")
		}
		v, err := parseOctaveNumber(strings.TrimSpace(text))
		if err != nil {
			return nil, bad("%v", err)
		}
		return &dataset.Doubles{Rows: 1, Cols: 1, Values: []float64{v}}, nil

	case "matrix":
		rows, err := atoi("rows")
		if err != nil {
			return nil, err
		}
		cols, err := atoi("columns")
		if err != nil {
			return nil, err
		}
		out := &dataset.Doubles{Rows: rows, Cols: cols, Values: make([]float64, 0, rows*cols)}
		for i := 0; i < rows; i++ {
			text, ok := r.next()
			if !ok {
				return nil, bad("expected %d rows, got %d", rows, i)
			}
			fields := strings.Fields(text)
			if len(fields) != cols {
				return nil, bad("row %d has %d values, expected %d", i, len(fields), cols)
			}
			for _, tok := range fields {
				v, err := parseOctaveNumber(tok)
				if err != nil {
					return nil, bad("%v", err)
				}
				out.Values = append(out.Values, v)
			}
		}
		return out, nil

	case "string", "sq_string":
		n, err := atoi("elements")
		if err != nil {
			return nil, err
		}
		values := make([]string, 0, n)
		for i := 0; i < n; i++ {
			text, ok := r.next()
			if key, _, isHeader := octaveHeaderLine(text); !ok || !isHeader || key != "length" {
				return nil, bad("element %d has no length header", i)
			}
			text, ok = r.next()
			if !ok {
				return nil, bad("element %d is missing", i)
			}
			values = append(values, text)
		}
		return dataset.StringVector(values), nil

	default:
		skipOctaveVar(r)
		return nil, unsupportedVar{bad("type %q is not supported", typ)}
	}
}

func skipOctaveVar(r *octaveReader) {
	for {
		text, ok := r.next()
		if !ok {
			return
		}
		// Nested cell elements are named "<cell-element>".
		if key, value, isHeader := octaveHeaderLine(text); isHeader && key == "name" && !strings.HasPrefix(value, "<") {
			r.unread(text)
			return
		}
	}
}

func parseOctaveNumber(tok string) (float64, error) {
	switch tok {
	case "NA":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", tok)
	}
	return v, nil
}

func formatOctaveNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Write emits one variable per group in ordering order, then the label.
// Numeric groups become matrices; each row of a string group becomes one
// string variable.
func (Octave) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	return writeAtomic(dest, "octave", func(w *bufio.Writer) error {
		w.WriteString(OctaveHeader + "\n")
		taken := map[string]bool{dataset.LabelKey: true}
		for _, key := range d.Ordering {
			if err := ctx.Err(); err != nil {
				return err
			}
			col := d.Data[key]
			if sp, ok := col.(*dataset.Sparse); ok {
				col = sp.Dense()
			}
			if err := writeOctaveVar(w, octaveName(key, taken), col); err != nil {
				return err
			}
		}
		if d.Label != nil {
			return writeOctaveVar(w, dataset.LabelKey, d.Label)
		}
		return nil
	})
}

// octaveName turns a group key into an unused Octave identifier.
func octaveName(key string, taken map[string]bool) string {
	var b strings.Builder
	for i, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			b.WriteRune(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('v')
			}
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "v"
	}
	for taken[name] {
		name += "_"
	}
	taken[name] = true
	return name
}

func writeOctaveVar(w *bufio.Writer, name string, col dataset.Column) error {
	rows, cols := col.Dims()
	if col.Kind() == dataset.KindString {
		for i := 0; i < rows; i++ {
			varName := name
			if rows > 1 {
				varName = fmt.Sprintf("%s_%d", name, i)
			}
			fmt.Fprintf(w, "# name: %s\n# type: string\n# elements: %d\n", varName, cols)
			for j := 0; j < cols; j++ {
				s := col.Text(i, j)
				if strings.ContainsAny(s, "\r\n") {
					return mlerrors.NewWriteError("octave", fmt.Sprintf("string in %s contains a line break", name), nil)
				}
				fmt.Fprintf(w, "# length: %d\n%s\n", len(s), s)
			}
			w.WriteString("\n\n")
		}
		return nil
	}

	num := col.(dataset.Numeric)
	fmt.Fprintf(w, "# name: %s\n# type: matrix\n# rows: %d\n# columns: %d\n", name, rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			w.WriteByte(' ')
			w.WriteString(formatOctaveNumber(num.Float(i, j)))
		}
		w.WriteByte('\n')
	}
	_, err := w.WriteString("\n\n")
	return err
}
