// Package verify checks that a dialect file and an H5 file hold the same
// dataset. Both sides are flattened into an examples-by-attributes grid and
// compared cell by cell: numerically within Epsilon when both cells are
// numeric, as printed strings otherwise.
package verify

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mldata/mldata/internal/dataset"
	"github.com/mldata/mldata/internal/dialect"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
)

// Epsilon is the largest absolute difference two numeric cells may have.
const Epsilon = 1e-15

// Verifiable reports whether files of format f can be read back for
// comparison.
func Verifiable(f format.Format) bool {
	switch f {
	case format.UCI, format.XML, format.R:
		return false
	}
	return f == format.H5 || dialect.RoundTrips(f)
}

// Files compares the H5 file at h5Path with otherPath read as otherFmt.
func Files(ctx context.Context, h5Path, otherPath string, otherFmt format.Format, opts dialect.ParseOptions) error {
	if !Verifiable(otherFmt) {
		return mlerrors.NewVerificationFailed("format", fmt.Sprintf("%s files cannot be verified", formatName(otherFmt)))
	}
	canonical, err := readH5(ctx, h5Path)
	if err != nil {
		return err
	}

	var other *dataset.Dataset
	if otherFmt == format.H5 {
		if other, err = readH5(ctx, otherPath); err != nil {
			return err
		}
	} else {
		parser, ok := dialect.ParserFor(otherFmt)
		if !ok {
			return mlerrors.NewVerificationFailed("format", fmt.Sprintf("no reader for %s", otherFmt))
		}
		res, err := parser.Parse(ctx, otherPath, opts)
		if err != nil {
			return err
		}
		other = res.Dataset
	}
	return Compare(canonical, other)
}

func readH5(ctx context.Context, path string) (*dataset.Dataset, error) {
	var d *dataset.Dataset
	err := h5.WithReader(ctx, path, func(f *h5.File) error {
		var err error
		d, err = h5.ReadCanonical(ctx, f)
		return err
	})
	return d, err
}

func formatName(f format.Format) string {
	if f == format.UCI {
		return "UCI"
	}
	return string(f)
}

// Compare returns nil when a and b hold the same cells, or a
// VerificationFailed naming the first field that differs. A label present
// on one side only is matched against the leading attributes of the other
// side when the attribute counts call for it, and ignored otherwise.
func Compare(a, b *dataset.Dataset) error {
	aGroups, bGroups := a.Groups(), b.Groups()
	switch {
	case a.Label != nil && b.Label != nil:
		if err := compareGrids("label", flatten([]dataset.Column{a.Label}), flatten([]dataset.Column{b.Label})); err != nil {
			return err
		}
	case a.Label != nil:
		aGroups = withLabel(a.Label, aGroups, bGroups)
	case b.Label != nil:
		bGroups = withLabel(b.Label, bGroups, aGroups)
	}
	return compareGrids("data", flatten(aGroups), flatten(bGroups))
}

func withLabel(label dataset.Column, groups, other []dataset.Column) []dataset.Column {
	rows, _ := label.Dims()
	if attributes(groups)+rows != attributes(other) {
		return groups
	}
	return append([]dataset.Column{label}, groups...)
}

func attributes(groups []dataset.Column) int {
	m := 0
	for _, g := range groups {
		rows, _ := g.Dims()
		m += rows
	}
	return m
}

// grid is a dataset seen as N examples by M attributes.
type grid struct {
	n, m int
	num  *mat.Dense
	// text holds the cells of string attributes, indexed [attribute][example].
	text map[int][]string
}

func (g *grid) numeric(attr int) bool {
	_, isText := g.text[attr]
	return !isText
}

func (g *grid) float(example, attr int) float64 { return g.num.At(example, attr) }

func (g *grid) cell(example, attr int) string {
	if col, ok := g.text[attr]; ok {
		return col[example]
	}
	return dataset.FormatDouble(g.num.At(example, attr))
}

// flatten concatenates groups, densifying sparse ones, into a grid.
func flatten(groups []dataset.Column) *grid {
	g := &grid{text: make(map[int][]string)}
	for i, col := range groups {
		rows, cols := col.Dims()
		if i == 0 {
			g.n = cols
		}
		g.m += rows
	}
	if g.n > 0 && g.m > 0 {
		g.num = mat.NewDense(g.n, g.m, nil)
	}

	offset := 0
	for _, col := range groups {
		rows, cols := col.Dims()
		if cols != g.n {
			g.n = -1
			return g
		}
		switch c := col.(type) {
		case *dataset.Sparse:
			if g.num != nil && rows > 0 {
				dense := densify(c)
				g.num.Slice(0, g.n, offset, offset+rows).(*mat.Dense).Copy(dense.T())
			}
		case *dataset.Strings:
			for r := 0; r < rows; r++ {
				g.text[offset+r] = c.Values[r*cols : (r+1)*cols]
			}
		case dataset.Numeric:
			if g.num != nil && rows > 0 {
				block := mat.NewDense(rows, cols, floats(c, rows, cols))
				g.num.Slice(0, g.n, offset, offset+rows).(*mat.Dense).Copy(block.T())
			}
		}
		offset += rows
	}
	return g
}

// densify expands a CSC matrix into an (M, N) dense matrix.
func densify(sp *dataset.Sparse) *mat.Dense {
	d := mat.NewDense(sp.Rows, sp.Cols, nil)
	for j := 0; j < sp.Cols; j++ {
		for k := sp.Indptr[j]; k < sp.Indptr[j+1]; k++ {
			d.Set(int(sp.Indices[k]), j, sp.Data[k])
		}
	}
	return d
}

func floats(c dataset.Numeric, rows, cols int) []float64 {
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, c.Float(i, j))
		}
	}
	return out
}

func compareGrids(which string, a, b *grid) error {
	if a.n != b.n || a.m != b.m {
		return mlerrors.NewVerificationFailed(which,
			fmt.Sprintf("shape %dx%d differs from %dx%d", a.n, a.m, b.n, b.m))
	}
	for attr := 0; attr < a.m; attr++ {
		bothNumeric := a.numeric(attr) && b.numeric(attr)
		for ex := 0; ex < a.n; ex++ {
			if bothNumeric {
				if !closeEnough(a.float(ex, attr), b.float(ex, attr)) {
					return mismatch(which, ex, attr, a.cell(ex, attr), b.cell(ex, attr))
				}
				continue
			}
			if x, y := a.cell(ex, attr), b.cell(ex, attr); x != y {
				return mismatch(which, ex, attr, x, y)
			}
		}
	}
	return nil
}

func closeEnough(x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.IsNaN(x) && math.IsNaN(y)
	}
	if x == y {
		return true
	}
	return math.Abs(x-y) <= Epsilon
}

func mismatch(which string, example, attr int, x, y string) error {
	return mlerrors.NewVerificationFailed(which,
		fmt.Sprintf("example %d, attribute %d: %s != %s", example, attr, x, y))
}
