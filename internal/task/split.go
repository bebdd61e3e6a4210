package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// Split colours.
const (
	Unused     int32 = 0
	Train      int32 = 1
	Validation int32 = 2
	Test       int32 = 3
)

// Indices is one part of a split given either as explicit rows or as range
// strings such as "0:5,7,9:12". Both may be set; they are concatenated.
type Indices struct {
	Rows   []int
	Ranges []string
}

// Rows builds Indices from explicit row numbers.
func Rows(rows ...int) Indices { return Indices{Rows: rows} }

// Ranges builds Indices from range strings.
func Ranges(specs ...string) Indices { return Indices{Ranges: specs} }

func (ix Indices) empty() bool { return len(ix.Rows) == 0 && len(ix.Ranges) == 0 }

func (ix Indices) resolve(part string, dataSize int) ([]int32, error) {
	out := make([]int32, 0, len(ix.Rows))
	for _, r := range ix.Rows {
		if r < 0 || r >= dataSize {
			return nil, invalidSplit("%s row %d is outside [0, %d)", part, r, dataSize)
		}
		out = append(out, int32(r))
	}
	for _, s := range ix.Ranges {
		rows, err := ParseSplit(s, dataSize)
		if e, ok := mlerrors.Find(err, mlerrors.ErrInvalidSplit); ok {
			return nil, invalidSplit("%s: %s", part, e.Message)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// SplitSpec is one train/validation/test partition.
type SplitSpec struct {
	Train      Indices
	Validation Indices
	Test       Indices
}

// Split is a resolved partition.
type Split struct {
	Train      []int32
	Validation []int32
	Test       []int32
}

// ParseSplit expands a comma-separated list of "<k>" and half-open "<a>:<b>"
// tokens into row numbers, checking 0 <= row < dataSize.
func ParseSplit(spec string, dataSize int) ([]int32, error) {
	var out []int32
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if a, b, ok := strings.Cut(tok, ":"); ok {
			lo, err1 := strconv.Atoi(strings.TrimSpace(a))
			hi, err2 := strconv.Atoi(strings.TrimSpace(b))
			if err1 != nil || err2 != nil {
				return nil, invalidSplit("cannot parse range %q", tok)
			}
			if lo < 0 || hi > dataSize || lo > hi {
				return nil, invalidSplit("range %q is outside [0, %d)", tok, dataSize)
			}
			for i := lo; i < hi; i++ {
				out = append(out, int32(i))
			}
			continue
		}
		k, err := strconv.Atoi(tok)
		if err != nil {
			return nil, invalidSplit("cannot parse row %q", tok)
		}
		if k < 0 || k >= dataSize {
			return nil, invalidSplit("row %d is outside [0, %d)", k, dataSize)
		}
		out = append(out, int32(k))
	}
	return out, nil
}

// Resolve parses every part and rejects rows shared by two parts of the
// same split.
func (s SplitSpec) Resolve(dataSize int) (Split, error) {
	var out Split
	var err error
	if out.Train, err = s.Train.resolve("train", dataSize); err != nil {
		return Split{}, err
	}
	if out.Validation, err = s.Validation.resolve("validation", dataSize); err != nil {
		return Split{}, err
	}
	if out.Test, err = s.Test.resolve("test", dataSize); err != nil {
		return Split{}, err
	}

	owner := make(map[int32]string, len(out.Train)+len(out.Validation)+len(out.Test))
	parts := []struct {
		name string
		rows []int32
	}{{"train", out.Train}, {"validation", out.Validation}, {"test", out.Test}}
	for _, p := range parts {
		for _, r := range p.rows {
			if prev, taken := owner[r]; taken && prev != p.name {
				return Split{}, invalidSplit("row %d is in both %s and %s", r, prev, p.name)
			}
			owner[r] = p.name
		}
	}
	return out, nil
}

// Colour returns the data_split row of s: one colour per example.
func (s Split) Colour(dataSize int) []int32 {
	row := make([]int32, dataSize)
	for _, r := range s.Train {
		row[r] = Train
	}
	for _, r := range s.Validation {
		row[r] = Validation
	}
	for _, r := range s.Test {
		row[r] = Test
	}
	return row
}

// splitFromColour rebuilds the index lists from a colour row.
func splitFromColour(row []int32) Split {
	var s Split
	for i, c := range row {
		switch c {
		case Train:
			s.Train = append(s.Train, int32(i))
		case Validation:
			s.Validation = append(s.Validation, int32(i))
		case Test:
			s.Test = append(s.Test, int32(i))
		}
	}
	return s
}

// Contiguous returns a split whose parts are consecutive ranges of the given
// sizes starting at row 0: train, then validation, then test. Two sizes mean
// train and test.
func Contiguous(sizes ...int) (SplitSpec, int, error) {
	var bounds []string
	start := 0
	for _, n := range sizes {
		bounds = append(bounds, fmt.Sprintf("%d:%d", start, start+n))
		start += n
	}
	switch len(sizes) {
	case 1:
		return SplitSpec{Train: Ranges(bounds[0])}, start, nil
	case 2:
		return SplitSpec{Train: Ranges(bounds[0]), Test: Ranges(bounds[1])}, start, nil
	case 3:
		return SplitSpec{Train: Ranges(bounds[0]), Validation: Ranges(bounds[1]), Test: Ranges(bounds[2])}, start, nil
	}
	return SplitSpec{}, 0, invalidSplit("expected 1 to 3 split files, got %d", len(sizes))
}

func sortedCopy(rows []int32) []int32 {
	out := append([]int32(nil), rows...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func invalidSplit(format string, args ...interface{}) *mlerrors.MLDataError {
	return mlerrors.NewValidationError(mlerrors.CodeInvalidSplit, fmt.Sprintf(format, args...))
}
