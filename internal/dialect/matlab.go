package dialect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/matfile"
)

// Matlab reads and writes level 5 MAT-files. Every variable is one group
// with rows as attributes; a variable named "label" is the label.
type Matlab struct {
	// Compress writes zlib-compressed variables.
	Compress bool
}

// Parse reads path. Unsupported variables (structs, objects, complex or
// N-d arrays) are skipped with a warning.
func (Matlab) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matlab: failed to open %s: %w", path, err)
	}
	defer f.Close()

	vars, skipped, err := matfile.Read(bufio.NewReader(f))
	if err != nil {
		return nil, mlerrors.NewParseError("matlab", 0, err.Error())
	}
	res := &Parsed{}
	for _, s := range skipped {
		res.warn(mlerrors.NewParseError("matlab", 0, s))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dataVars := 0
	for _, v := range vars {
		if v.Name != dataset.LabelKey {
			dataVars++
		}
	}

	d := dataset.New(datasetName(path, opts))
	for _, v := range vars {
		col, err := matColumn(v, dataVars == 1)
		if err != nil {
			res.warn(mlerrors.NewParseError("matlab", 0, err.Error()))
			continue
		}
		if v.Name == dataset.LabelKey {
			d.Label = col
			d.Names = append([]string{dataset.LabelKey}, d.Names...)
			continue
		}
		key := v.Name
		if _, isSparse := col.(*dataset.Sparse); isSparse {
			key = dataset.SparseKey
		}
		if err := d.Add(key, col); err != nil {
			return nil, err
		}
		rows, _ := col.Dims()
		d.Names = append(d.Names, rowNames(v.Name, rows)...)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	res.Dataset = d
	return res, nil
}

// matColumn converts one variable. A sparse variable stays sparse only when
// it is the sole data variable.
func matColumn(v *matfile.Variable, alone bool) (dataset.Column, error) {
	rows, cols := v.Rows()
	switch {
	case v.Class == matfile.ClassSparse:
		sp := &dataset.Sparse{Rows: rows, Cols: cols, Data: v.Data, Indices: v.RowIndex, Indptr: v.ColPtr}
		if alone && v.Name != dataset.LabelKey {
			return sp, nil
		}
		return sp.Dense(), nil

	case v.Class == matfile.ClassChar:
		// Each row of a char matrix is one example.
		strs := v.Strings()
		return dataset.StringVector(strs), nil

	case v.Class == matfile.ClassCell:
		values := make([]string, len(v.Cells))
		for i, c := range v.Cells {
			if c.Class != matfile.ClassChar {
				return nil, fmt.Errorf("variable %s: cell %d holds %s, want char", v.Name, i, c.Class)
			}
			if strs := c.Strings(); len(strs) == 1 {
				values[i] = strs[0]
			}
		}
		// Cells are column-major like every other array.
		out := &dataset.Strings{Rows: rows, Cols: cols, Values: make([]string, rows*cols)}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out.Values[i*cols+j] = values[j*rows+i]
			}
		}
		return out, nil

	case v.Class.Integer() || v.Logical:
		rm := v.RowMajor()
		fits := true
		for _, x := range rm {
			if x < math.MinInt32 || x > math.MaxInt32 || x != math.Trunc(x) {
				fits = false
				break
			}
		}
		if !fits {
			return &dataset.Doubles{Rows: rows, Cols: cols, Values: rm}, nil
		}
		values := make([]int32, len(rm))
		for i, x := range rm {
			values[i] = int32(x)
		}
		return &dataset.Ints{Rows: rows, Cols: cols, Values: values}, nil
	}
	return &dataset.Doubles{Rows: rows, Cols: cols, Values: v.RowMajor()}, nil
}

// Write emits one variable per group plus "label". Ints become int32 with
// missing cells stored as int32 minimum.
func (m Matlab) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	var vars []*matfile.Variable
	taken := map[string]bool{dataset.LabelKey: true}
	for _, key := range d.Ordering {
		vars = append(vars, matVariable(octaveName(key, taken), d.Data[key]))
	}
	if d.Label != nil {
		vars = append(vars, matVariable(dataset.LabelKey, d.Label))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(dest, "matlab", func(w *bufio.Writer) error {
		desc := ""
		if d.Name != "" {
			desc = "MATLAB 5.0 MAT-file, mldata: " + d.Name
		}
		return matfile.Write(w, vars, matfile.WriteOptions{Compress: m.Compress, Description: desc})
	})
}

func matVariable(name string, col dataset.Column) *matfile.Variable {
	switch c := col.(type) {
	case *dataset.Sparse:
		return matfile.NewSparse(name, c.Rows, c.Cols, c.Data, c.Indices, c.Indptr)
	case *dataset.Ints:
		return matfile.NewInt32(name, c.Rows, c.Cols, c.Values)
	case *dataset.Doubles:
		return matfile.NewDouble(name, c.Rows, c.Cols, c.Values)
	case *dataset.Strings:
		return matfile.NewCellStrings(name, c.Rows, c.Cols, c.Values)
	}
	return nil
}
