// Package dataset defines the canonical in-memory dataset that parsers
// produce, writers consume and the H5 store persists.
//
// A dataset is an ordered set of column groups. Each group is one of four
// variants: Ints, Doubles, Strings (dense, row-major, one row per attribute)
// or Sparse (CSC with attributes as rows and examples as columns).
package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// Kind is the element type of a column group.
type Kind int

const (
	KindInt Kind = iota
	KindDouble
	KindString
)

// String returns the group-key prefix used for the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "str"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MissingInt marks a missing cell in an integer group. Its numeric view is NaN.
const MissingInt int32 = math.MinInt32

// LabelKey is the reserved key for the supervised target.
const LabelKey = "label"

// SparseKey is the key under which a sparse matrix lives.
const SparseKey = "data"

// Type descriptors persisted in /data_descr/types.
const (
	TypeNumeric = "numeric"
	TypeString  = "string"
	TypeDate    = "date"
	TypeNominal = "nominal"
)

// NominalType builds the descriptor for a nominal attribute.
func NominalType(values []string) string {
	return TypeNominal + ":" + strings.Join(values, ",")
}

// NominalValues returns the domain of a nominal descriptor.
func NominalValues(descriptor string) ([]string, bool) {
	rest, ok := strings.CutPrefix(descriptor, TypeNominal+":")
	if !ok {
		return nil, false
	}
	if rest == "" {
		return []string{}, true
	}
	return strings.Split(rest, ","), true
}

// Column is implemented by the four group variants.
type Column interface {
	Kind() Kind
	// Dims returns (attributes, examples).
	Dims() (rows, cols int)
	// Vector reports whether the group is stored as a single 1-D row.
	Vector() bool
	// Text returns cell (i, j) as it would be printed.
	Text(i, j int) string
	isColumn()
}

// Numeric is implemented by groups whose cells have a float64 view.
type Numeric interface {
	Column
	Float(i, j int) float64
}

// Ints is a dense int32 group stored row-major.
type Ints struct {
	Rows, Cols int
	Flat       bool
	Values     []int32
}

func (c *Ints) Kind() Kind             { return KindInt }
func (c *Ints) Dims() (int, int)       { return c.Rows, c.Cols }
func (c *Ints) Vector() bool           { return c.Flat }
func (c *Ints) At(i, j int) int32      { return c.Values[i*c.Cols+j] }
func (c *Ints) Text(i, j int) string   { return FormatInt(c.At(i, j)) }
func (c *Ints) Float(i, j int) float64 { return IntFloat(c.At(i, j)) }
func (*Ints) isColumn()                {}

// Doubles is a dense float64 group stored row-major.
type Doubles struct {
	Rows, Cols int
	Flat       bool
	Values     []float64
}

func (c *Doubles) Kind() Kind             { return KindDouble }
func (c *Doubles) Dims() (int, int)       { return c.Rows, c.Cols }
func (c *Doubles) Vector() bool           { return c.Flat }
func (c *Doubles) At(i, j int) float64    { return c.Values[i*c.Cols+j] }
func (c *Doubles) Text(i, j int) string   { return FormatDouble(c.At(i, j)) }
func (c *Doubles) Float(i, j int) float64 { return c.At(i, j) }
func (*Doubles) isColumn()                {}

// Strings is a dense string group stored row-major.
type Strings struct {
	Rows, Cols int
	Flat       bool
	Values     []string
}

func (c *Strings) Kind() Kind           { return KindString }
func (c *Strings) Dims() (int, int)     { return c.Rows, c.Cols }
func (c *Strings) Vector() bool         { return c.Flat }
func (c *Strings) At(i, j int) string   { return c.Values[i*c.Cols+j] }
func (c *Strings) Text(i, j int) string { return c.At(i, j) }
func (*Strings) isColumn()              {}

// Sparse is a CSC matrix of shape (Rows, Cols): column j holds the entries
// Data[Indptr[j]:Indptr[j+1]] at rows Indices[Indptr[j]:Indptr[j+1]].
type Sparse struct {
	Rows, Cols int
	Data       []float64
	Indices    []int32
	Indptr     []int32
}

func (c *Sparse) Kind() Kind       { return KindDouble }
func (c *Sparse) Dims() (int, int) { return c.Rows, c.Cols }
func (c *Sparse) Vector() bool     { return false }
func (*Sparse) isColumn()          {}

// Float returns the value at (i, j), zero when not stored.
func (c *Sparse) Float(i, j int) float64 {
	for k := c.Indptr[j]; k < c.Indptr[j+1]; k++ {
		if int(c.Indices[k]) == i {
			return c.Data[k]
		}
	}
	return 0
}

func (c *Sparse) Text(i, j int) string { return FormatDouble(c.Float(i, j)) }

// NNZ returns the number of stored entries.
func (c *Sparse) NNZ() int { return len(c.Data) }

// Density is the fraction of stored entries over the full matrix size.
func (c *Sparse) Density() float64 {
	total := float64(c.Rows) * float64(c.Cols)
	if total == 0 {
		return 0
	}
	return float64(c.NNZ()) / total
}

// Dense materialises the matrix row-major.
func (c *Sparse) Dense() *Doubles {
	out := &Doubles{Rows: c.Rows, Cols: c.Cols, Values: make([]float64, c.Rows*c.Cols)}
	for j := 0; j < c.Cols; j++ {
		for k := c.Indptr[j]; k < c.Indptr[j+1]; k++ {
			out.Values[int(c.Indices[k])*c.Cols+j] = c.Data[k]
		}
	}
	return out
}

// Dataset is the canonical in-memory value exchanged by parsers, writers and
// the H5 store. Ordering and Data must stay coherent; call Validate after
// mutating them directly.
type Dataset struct {
	Name     string
	Comment  string
	Names    []string
	Types    []string
	Ordering []string
	Data     map[string]Column
	Label    Column
}

// New returns an empty dataset.
func New(name string) *Dataset {
	return &Dataset{Name: name, Data: make(map[string]Column)}
}

// Add appends a group at the end of the ordering.
func (d *Dataset) Add(key string, col Column) error {
	if key == LabelKey {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, "label is not a data group")
	}
	if _, exists := d.Data[key]; exists {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, fmt.Sprintf("duplicate group key %q", key))
	}
	if d.Data == nil {
		d.Data = make(map[string]Column)
	}
	d.Ordering = append(d.Ordering, key)
	d.Data[key] = col
	return nil
}

// Groups returns the columns in ordering order.
func (d *Dataset) Groups() []Column {
	out := make([]Column, 0, len(d.Ordering))
	for _, key := range d.Ordering {
		out = append(out, d.Data[key])
	}
	return out
}

// IsSparse reports whether the dataset holds a sparse matrix.
func (d *Dataset) IsSparse() bool {
	_, ok := d.Data[SparseKey].(*Sparse)
	return ok
}

// Shape returns (num_instances, num_attributes). The label never counts.
func (d *Dataset) Shape() (n, m int) {
	n = -1
	for _, key := range d.Ordering {
		rows, cols := d.Data[key].Dims()
		m += rows
		if n < 0 {
			n = cols
		}
	}
	if n < 0 {
		n = 0
		if d.Label != nil {
			_, n = d.Label.Dims()
		}
	}
	return n, m
}

// AttributeNames returns Names without the literal label entry.
func (d *Dataset) AttributeNames() []string {
	out := make([]string, 0, len(d.Names))
	for _, n := range d.Names {
		if n != LabelKey {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks ordering coherence, homogeneous example counts and the
// sparse layout.
func (d *Dataset) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, fmt.Sprintf(format, args...))
	}

	if len(d.Ordering) != len(d.Data) {
		return invalid("ordering lists %d keys but data holds %d groups", len(d.Ordering), len(d.Data))
	}
	seen := make(map[string]bool, len(d.Ordering))
	n := -1
	for _, key := range d.Ordering {
		if seen[key] {
			return invalid("key %q appears twice in ordering", key)
		}
		seen[key] = true
		col, ok := d.Data[key]
		if !ok || col == nil {
			return invalid("ordering key %q has no data", key)
		}
		if key == LabelKey {
			return invalid("label must not appear in ordering")
		}
		if err := checkStorage(col); err != nil {
			return invalid("group %q: %v", key, err)
		}
		if sp, ok := col.(*Sparse); ok {
			if key != SparseKey || len(d.Ordering) != 1 {
				return invalid("sparse matrix must be the only group and live at %q", SparseKey)
			}
			if err := sp.check(); err != nil {
				return invalid("sparse: %v", err)
			}
		}
		_, cols := col.Dims()
		if n >= 0 && cols != n {
			return invalid("group %q has %d examples, expected %d", key, cols, n)
		}
		n = cols
	}
	if d.Label != nil {
		if err := checkStorage(d.Label); err != nil {
			return invalid("label: %v", err)
		}
		if _, cols := d.Label.Dims(); n >= 0 && cols != n {
			return invalid("label has %d examples, expected %d", cols, n)
		}
	}
	if len(d.Types) > 0 && len(d.Types) != len(d.Names) {
		return invalid("types has %d entries but names has %d", len(d.Types), len(d.Names))
	}
	return nil
}

func checkStorage(col Column) error {
	rows, cols := col.Dims()
	if rows < 0 || cols < 0 {
		return fmt.Errorf("negative dims %dx%d", rows, cols)
	}
	if col.Vector() && rows != 1 {
		return fmt.Errorf("vector with %d rows", rows)
	}
	var have int
	switch c := col.(type) {
	case *Ints:
		have = len(c.Values)
	case *Doubles:
		have = len(c.Values)
	case *Strings:
		have = len(c.Values)
	case *Sparse:
		return nil
	}
	if have != rows*cols {
		return fmt.Errorf("holds %d values for %dx%d", have, rows, cols)
	}
	return nil
}

func (c *Sparse) check() error {
	if len(c.Indptr) != c.Cols+1 {
		return fmt.Errorf("indptr has %d entries for %d columns", len(c.Indptr), c.Cols)
	}
	if len(c.Data) != len(c.Indices) {
		return fmt.Errorf("%d values but %d indices", len(c.Data), len(c.Indices))
	}
	if int(c.Indptr[c.Cols]) != len(c.Data) {
		return fmt.Errorf("indptr ends at %d, have %d values", c.Indptr[c.Cols], len(c.Data))
	}
	for _, r := range c.Indices {
		if r < 0 || int(r) >= c.Rows {
			return fmt.Errorf("row index %d outside [0,%d)", r, c.Rows)
		}
	}
	return nil
}

// IntFloat converts an integer cell to its numeric view.
func IntFloat(v int32) float64 {
	if v == MissingInt {
		return math.NaN()
	}
	return float64(v)
}

// FormatInt prints an integer cell, "nan" for missing.
func FormatInt(v int32) string {
	if v == MissingInt {
		return "nan"
	}
	return strconv.FormatInt(int64(v), 10)
}

// FormatDouble prints the shortest representation that parses back to the
// same value, keeping a ".0" on integral values.
func FormatDouble(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
