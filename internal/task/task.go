// Package task stores learning tasks inside H5 files: train, validation and
// test row splits over a dataset, input and output variables and label
// dimensions, under the /task group.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	"github.com/mldata/mldata/internal/dialect"
	"github.com/mldata/mldata/internal/h5"
)

// Paths of the task group.
const (
	Group          = "/task"
	TrainPath      = Group + "/train_idx"
	ValidationPath = Group + "/val_idx"
	TestPath       = Group + "/test_idx"
	DataSplitPath  = Group + "/data_split"
	DataSizePath   = Group + "/data_size"
	LabelDimsPath  = Group + "/label_dims"
	InputVarsPath  = Group + "/input_variables"
	OutputVarsPath = Group + "/output_variables"
)

// Spec describes a task to write.
type Spec struct {
	Splits     []SplitSpec
	InputVars  []int
	OutputVars []int
	LabelDims  []int
	DataSize   int
}

// Task is a task read back from a file.
type Task struct {
	Splits     []Split
	InputVars  []int32
	OutputVars []int32
	LabelDims  []int32
	DataSize   int
}

// WriteTask validates spec and stores it at path. With a non-nil dataset the
// file is rebuilt with d and the task; otherwise the task is added to the
// existing file.
func WriteTask(ctx context.Context, path string, d *dataset.Dataset, spec Spec) error {
	if spec.DataSize < 0 {
		return invalidSplit("negative data size %d", spec.DataSize)
	}
	var splits []Split
	for i, s := range spec.Splits {
		if s.Train.empty() && s.Validation.empty() && s.Test.empty() {
			continue
		}
		resolved, err := s.Resolve(spec.DataSize)
		if err != nil {
			if len(spec.Splits) > 1 {
				return fmt.Errorf("split %d: %w", i, err)
			}
			return err
		}
		splits = append(splits, resolved)
	}

	write := func(f *h5.File) error { return writeGroup(ctx, f, spec, splits) }
	if d != nil {
		return h5.WithWriter(ctx, path, func(f *h5.File) error {
			if err := h5.WriteCanonical(ctx, f, d); err != nil {
				return err
			}
			return write(f)
		})
	}
	return h5.WithUpdate(ctx, path, write)
}

func writeGroup(ctx context.Context, f *h5.File, spec Spec, splits []Split) error {
	if err := f.CreateGroup(ctx, Group); err != nil {
		return err
	}
	var first Split
	if len(splits) > 0 {
		first = splits[0]
	}
	arrays := []struct {
		path string
		arr  *h5.Array
	}{
		{TrainPath, h5.IntArray(sortedCopy(first.Train))},
		{ValidationPath, h5.IntArray(sortedCopy(first.Validation))},
		{TestPath, h5.IntArray(sortedCopy(first.Test))},
		{DataSizePath, h5.IntScalar(int64(spec.DataSize))},
		{LabelDimsPath, h5.IntArray(toInt32(spec.LabelDims))},
		{InputVarsPath, h5.IntArray(toInt32(spec.InputVars))},
		{OutputVarsPath, h5.IntArray(toInt32(spec.OutputVars))},
		{DataSplitPath, colourArray(splits, spec.DataSize)},
	}
	for _, a := range arrays {
		if err := f.WriteDataset(ctx, a.path, a.arr); err != nil {
			return err
		}
	}
	return nil
}

// colourArray is 1-D for a single split and (splits, dataSize) otherwise.
func colourArray(splits []Split, dataSize int) *h5.Array {
	if len(splits) <= 1 {
		var row []int32
		if len(splits) == 1 {
			row = splits[0].Colour(dataSize)
		} else {
			row = make([]int32, dataSize)
		}
		return h5.IntArray(row)
	}
	values := make([]int32, 0, len(splits)*dataSize)
	for _, s := range splits {
		values = append(values, s.Colour(dataSize)...)
	}
	return &h5.Array{DType: h5.Int32, Dims: []int{len(splits), dataSize}, Ints: values}
}

func toInt32(v []int) []int32 {
	out := make([]int32, len(v))
	for i, x := range v {
		out[i] = int32(x)
	}
	return out
}

// ReadTask loads the task stored at path.
func ReadTask(ctx context.Context, path string) (*Task, error) {
	t := &Task{}
	err := h5.WithReader(ctx, path, func(f *h5.File) error {
		size, err := f.ReadDataset(ctx, DataSizePath)
		if err != nil {
			return fmt.Errorf("task: %s has no task group: %w", path, err)
		}
		if len(size.Ints) == 1 {
			t.DataSize = int(size.Ints[0])
		}
		for _, v := range []struct {
			path string
			dst  *[]int32
		}{
			{LabelDimsPath, &t.LabelDims},
			{InputVarsPath, &t.InputVars},
			{OutputVarsPath, &t.OutputVars},
		} {
			arr, err := f.ReadDataset(ctx, v.path)
			if errors.Is(err, h5.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			*v.dst = arr.Ints
		}
		rows, err := colourRows(ctx, f, t.DataSize)
		if err != nil {
			return err
		}
		for _, r := range rows {
			t.Splits = append(t.Splits, splitFromColour(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// colourRows reads data_split, falling back to the index arrays for files
// that carry only those.
func colourRows(ctx context.Context, f *h5.File, dataSize int) ([][]int32, error) {
	arr, err := f.ReadDataset(ctx, DataSplitPath)
	if err == nil {
		if len(arr.Dims) == 2 {
			rows := make([][]int32, arr.Dims[0])
			for i := range rows {
				rows[i] = arr.Ints[i*arr.Dims[1] : (i+1)*arr.Dims[1]]
			}
			return rows, nil
		}
		return [][]int32{arr.Ints}, nil
	}
	if !errors.Is(err, h5.ErrNotFound) {
		return nil, err
	}

	var s Split
	for _, p := range []struct {
		path string
		dst  *[]int32
	}{{TrainPath, &s.Train}, {ValidationPath, &s.Validation}, {TestPath, &s.Test}} {
		arr, err := f.ReadDataset(ctx, p.path)
		if errors.Is(err, h5.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		*p.dst = arr.Ints
	}
	return [][]int32{s.Colour(dataSize)}, nil
}

// SplitImage returns the colour row of split number n.
func SplitImage(ctx context.Context, path string, n int) ([]int32, error) {
	rows, err := SplitImages(ctx, path)
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= len(rows) {
		return nil, invalidSplit("task has %d splits, asked for split %d", len(rows), n)
	}
	return rows[n], nil
}

// SplitImages returns one colour row per split, stacked in split order.
func SplitImages(ctx context.Context, path string) ([][]int32, error) {
	var rows [][]int32
	err := h5.WithReader(ctx, path, func(f *h5.File) error {
		size, err := f.ReadDataset(ctx, DataSizePath)
		if err != nil {
			return fmt.Errorf("task: %s has no task group: %w", path, err)
		}
		dataSize := 0
		if len(size.Ints) == 1 {
			dataSize = int(size.Ints[0])
		}
		rows, err = colourRows(ctx, f, dataSize)
		return err
	})
	return rows, err
}

// AddData writes a task whose train, validation and test parts are the
// consecutive line ranges of the given split files, in order. Two files are
// train and test.
func AddData(ctx context.Context, path string, splitFiles []string, labelDims []int) error {
	sizes := make([]int, len(splitFiles))
	for i, name := range splitFiles {
		n, err := countLines(name)
		if err != nil {
			return err
		}
		sizes[i] = n
	}
	split, total, err := Contiguous(sizes...)
	if err != nil {
		return err
	}
	return WriteTask(ctx, path, nil, Spec{
		Splits:    []SplitSpec{split},
		LabelDims: labelDims,
		DataSize:  total,
	})
}

// countLines counts the non-blank lines of a file.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("task: failed to open split file: %w", err)
	}
	defer f.Close()
	n := 0
	err = dialect.EachLine(f, func(_ int, text string) bool {
		if strings.TrimSpace(text) != "" {
			n++
		}
		return true
	})
	return n, err
}
