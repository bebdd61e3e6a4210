package h5

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mldata/mldata/internal/dataset"
)

// SchemaVersion is stored in the root "mldata" attribute.
const SchemaVersion = 0

// Well-known paths of the canonical layout.
const (
	DataGroup     = "/data"
	DescrGroup    = "/data_descr"
	NamesPath     = "/data_descr/names"
	OrderingPath  = "/data_descr/ordering"
	TypesPath     = "/data_descr/types"
	LabelPath     = "/data/label"
	sparseData    = "data"
	sparseIndices = "indices"
	sparseIndptr  = "indptr"
	shapeAttr     = "shape"
)

// WithReader opens path read-only, runs fn and always closes the file.
func WithReader(ctx context.Context, path string, fn func(*File) error) error {
	f, err := Open(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// WithWriter builds a new file at dest. fn writes into a temporary sibling
// that is renamed over dest only when fn and the commit succeed; on any
// failure the temporary file is removed and dest is left untouched.
func WithWriter(ctx context.Context, dest string, fn func(*File) error) (err error) {
	tmp := fmt.Sprintf("%s.tmp-%s", dest, uuid.New().String()[:8])
	defer func() {
		if err != nil {
			removeFiles(tmp)
		}
	}()

	f, err := Create(ctx, tmp)
	if err != nil {
		return err
	}
	if err = fn(f); err != nil {
		f.Close()
		return err
	}
	if err = f.Commit(ctx); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("h5: failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("h5: failed to move %s into place: %w", dest, err)
	}
	removeFiles(tmp)
	return nil
}

// WithUpdate opens an existing file (or creates it) for writing and commits
// fn's changes in place.
func WithUpdate(ctx context.Context, path string, fn func(*File) error) error {
	f, err := OpenWrite(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return err
	}
	return f.Commit(ctx)
}

func removeFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		_ = os.Remove(p)
	}
}

// WriteCanonical materialises d in f. Adjacent 1-D numeric groups of one kind
// are merged, string keys are made path safe, and a sparse matrix is written
// as its data, indices and indptr triple.
func WriteCanonical(ctx context.Context, f *File, d *dataset.Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	packed := d.Pack()

	if err := f.SetAttr(ctx, "/", "mldata", IntScalar(SchemaVersion)); err != nil {
		return err
	}
	if err := f.SetAttr(ctx, "/", "name", StringScalar(d.Name)); err != nil {
		return err
	}
	if err := f.SetAttr(ctx, "/", "comment", StringScalar(d.Comment)); err != nil {
		return err
	}
	if err := f.CreateGroup(ctx, DataGroup); err != nil {
		return err
	}

	var ordering []string
	for _, key := range packed.Ordering {
		col := packed.Data[key]
		if sp, ok := col.(*dataset.Sparse); ok {
			if err := writeSparse(ctx, f, sp); err != nil {
				return err
			}
			ordering = append(ordering, sparseData, sparseIndices, sparseIndptr)
			continue
		}
		if err := f.WriteDataset(ctx, DataGroup+"/"+key, ColumnArray(col)); err != nil {
			return err
		}
		ordering = append(ordering, key)
	}
	if d.Label != nil {
		if err := f.WriteDataset(ctx, LabelPath, ColumnArray(d.Label)); err != nil {
			return err
		}
	}

	if err := f.WriteDataset(ctx, NamesPath, StringArray(d.Names)); err != nil {
		return err
	}
	if err := f.WriteDataset(ctx, OrderingPath, StringArray(ordering)); err != nil {
		return err
	}
	if len(d.Types) > 0 {
		if err := f.WriteDataset(ctx, TypesPath, StringArray(d.Types)); err != nil {
			return err
		}
	}
	return nil
}

func writeSparse(ctx context.Context, f *File, sp *dataset.Sparse) error {
	dataPath := DataGroup + "/" + sparseData
	if err := f.WriteDataset(ctx, dataPath, FloatArray(sp.Data)); err != nil {
		return err
	}
	if err := f.WriteDataset(ctx, DataGroup+"/"+sparseIndices, IntArray(sp.Indices)); err != nil {
		return err
	}
	if err := f.WriteDataset(ctx, DataGroup+"/"+sparseIndptr, IntArray(sp.Indptr)); err != nil {
		return err
	}
	return f.SetAttr(ctx, dataPath, shapeAttr, IntArray([]int32{int32(sp.Rows), int32(sp.Cols)}))
}

// ColumnArray converts a dense group to its stored form. Vectors are 1-D.
func ColumnArray(col dataset.Column) *Array {
	rows, cols := col.Dims()
	dims := []int{rows, cols}
	if col.Vector() {
		dims = []int{cols}
	}
	switch c := col.(type) {
	case *dataset.Ints:
		return &Array{DType: Int32, Dims: dims, Ints: c.Values}
	case *dataset.Doubles:
		return &Array{DType: Float64, Dims: dims, Floats: c.Values}
	case *dataset.Strings:
		return &Array{DType: String, Dims: dims, Strings: c.Values}
	case *dataset.Sparse:
		d := c.Dense()
		return &Array{DType: Float64, Dims: dims, Floats: d.Values}
	}
	return nil
}

// ArrayColumn converts a stored 1-D or 2-D array to a dense group.
func ArrayColumn(a *Array) (dataset.Column, error) {
	var rows, cols int
	flat := false
	switch len(a.Dims) {
	case 0:
		rows, cols, flat = 1, 1, true
	case 1:
		rows, cols, flat = 1, a.Dims[0], true
	case 2:
		rows, cols = a.Dims[0], a.Dims[1]
	default:
		return nil, fmt.Errorf("h5: %d-dimensional group is not supported", len(a.Dims))
	}
	switch a.DType {
	case Int32:
		return &dataset.Ints{Rows: rows, Cols: cols, Flat: flat, Values: a.Ints}, nil
	case Float64:
		return &dataset.Doubles{Rows: rows, Cols: cols, Flat: flat, Values: a.Floats}, nil
	default:
		return &dataset.Strings{Rows: rows, Cols: cols, Flat: flat, Values: a.Strings}, nil
	}
}

// ReadCanonical loads the canonical dataset stored in f.
func ReadCanonical(ctx context.Context, f *File) (*dataset.Dataset, error) {
	d := dataset.New(attrString(ctx, f, "name"))
	d.Comment = attrString(ctx, f, "comment")

	names, err := readStrings(ctx, f, NamesPath)
	if err != nil {
		return nil, err
	}
	d.Names = names
	ordering, err := readStrings(ctx, f, OrderingPath)
	if err != nil {
		return nil, err
	}
	types, err := readStrings(ctx, f, TypesPath)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	d.Types = types

	if isSparseOrdering(ordering) {
		sp, err := readSparse(ctx, f)
		if err != nil {
			return nil, err
		}
		if err := d.Add(dataset.SparseKey, sp); err != nil {
			return nil, err
		}
	} else {
		for _, key := range ordering {
			arr, err := f.ReadDataset(ctx, DataGroup+"/"+key)
			if err != nil {
				return nil, err
			}
			col, err := ArrayColumn(arr)
			if err != nil {
				return nil, err
			}
			if err := d.Add(key, col); err != nil {
				return nil, err
			}
		}
	}

	label, err := f.ReadDataset(ctx, LabelPath)
	switch {
	case err == nil:
		if d.Label, err = ArrayColumn(label); err != nil {
			return nil, err
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("h5: %s holds an inconsistent dataset: %w", f.Path(), err)
	}
	return d, nil
}

func isSparseOrdering(ordering []string) bool {
	has := make(map[string]bool, len(ordering))
	for _, k := range ordering {
		has[k] = true
	}
	return len(ordering) == 3 && has[sparseData] && has[sparseIndices] && has[sparseIndptr]
}

func readSparse(ctx context.Context, f *File) (*dataset.Sparse, error) {
	data, err := f.ReadDataset(ctx, DataGroup+"/"+sparseData)
	if err != nil {
		return nil, err
	}
	indices, err := f.ReadDataset(ctx, DataGroup+"/"+sparseIndices)
	if err != nil {
		return nil, err
	}
	indptr, err := f.ReadDataset(ctx, DataGroup+"/"+sparseIndptr)
	if err != nil {
		return nil, err
	}
	if data.DType != Float64 || indices.DType != Int32 || indptr.DType != Int32 || len(indptr.Ints) == 0 {
		return nil, fmt.Errorf("h5: malformed sparse triple in %s", f.Path())
	}
	sp := &dataset.Sparse{
		Cols:    len(indptr.Ints) - 1,
		Data:    data.Floats,
		Indices: indices.Ints,
		Indptr:  indptr.Ints,
	}
	rows, err := sparseRows(ctx, f, indices.Ints)
	if err != nil {
		return nil, err
	}
	sp.Rows = rows
	return sp, nil
}

// sparseRows prefers the stored shape and falls back to the largest index.
func sparseRows(ctx context.Context, f *File, indices []int32) (int, error) {
	shape, err := f.Attr(ctx, DataGroup+"/"+sparseData, shapeAttr)
	if err == nil && len(shape.Ints) == 2 {
		return int(shape.Ints[0]), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	rows := 0
	for _, r := range indices {
		if int(r)+1 > rows {
			rows = int(r) + 1
		}
	}
	return rows, nil
}

// Shape returns (num_instances, num_attributes) from stored dimensions.
func Shape(ctx context.Context, f *File) (n, m int, err error) {
	ordering, err := readStrings(ctx, f, OrderingPath)
	if err != nil {
		return 0, 0, err
	}
	if isSparseOrdering(ordering) {
		indptrDims, err := f.Dims(ctx, DataGroup+"/"+sparseIndptr)
		if err != nil {
			return 0, 0, err
		}
		n = indptrDims[0] - 1
		shape, err := f.Attr(ctx, DataGroup+"/"+sparseData, shapeAttr)
		if err == nil && len(shape.Ints) == 2 {
			return n, int(shape.Ints[0]), nil
		}
		indices, err := f.ReadDataset(ctx, DataGroup+"/"+sparseIndices)
		if err != nil {
			return 0, 0, err
		}
		m, err = sparseRows(ctx, f, indices.Ints)
		return n, m, err
	}

	n = -1
	for _, key := range ordering {
		dims, err := f.Dims(ctx, DataGroup+"/"+key)
		if err != nil {
			return 0, 0, err
		}
		rows, cols := 1, 1
		switch len(dims) {
		case 1:
			cols = dims[0]
		case 2:
			rows, cols = dims[0], dims[1]
		}
		m += rows
		if n < 0 {
			n = cols
		}
	}
	if n < 0 {
		n = 0
		if dims, err := f.Dims(ctx, LabelPath); err == nil && len(dims) > 0 {
			n = dims[len(dims)-1]
		}
	}
	return n, m, nil
}

// AttributeTypes returns /data_descr/types verbatim, or an empty slice.
func AttributeTypes(ctx context.Context, f *File) ([]string, error) {
	types, err := readStrings(ctx, f, TypesPath)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	return types, err
}

func readStrings(ctx context.Context, f *File, p string) ([]string, error) {
	arr, err := f.ReadDataset(ctx, p)
	if err != nil {
		return nil, err
	}
	if arr.DType != String {
		return nil, fmt.Errorf("h5: %s is %s, expected strings", p, arr.DType)
	}
	return arr.Strings, nil
}

func attrString(ctx context.Context, f *File, name string) string {
	arr, err := f.Attr(ctx, "/", name)
	if err != nil || len(arr.Strings) == 0 {
		return ""
	}
	return arr.Strings[0]
}

func attrInt(ctx context.Context, f *File, name string) (int, error) {
	arr, err := f.Attr(ctx, "/", name)
	if err != nil {
		return 0, err
	}
	if len(arr.Ints) == 0 {
		return 0, fmt.Errorf("h5: attribute %s is not an integer", name)
	}
	return int(arr.Ints[0]), nil
}
