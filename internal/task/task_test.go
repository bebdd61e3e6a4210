package task

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

func sample(n int) *dataset.Dataset {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	d := dataset.New("t")
	d.Add("double0", dataset.DoubleVector(values))
	return d
}

func TestSplitImageScenario(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "task.h5")
	spec := Spec{
		Splits:   []SplitSpec{{Train: Ranges("0:5"), Test: Ranges("5,6,7:10")}},
		DataSize: 10,
	}
	if err := WriteTask(ctx, p, sample(10), spec); err != nil {
		t.Fatalf("WriteTask failed: %v", err)
	}
	row, err := SplitImage(ctx, p, 0)
	if err != nil {
		t.Fatalf("SplitImage failed: %v", err)
	}
	want := []int32{1, 1, 1, 1, 1, 3, 3, 3, 3, 3}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("got %v, want %v", row, want)
	}
}

func TestParseSplit(t *testing.T) {
	tests := []struct {
		spec    string
		size    int
		want    []int32
		wantErr bool
	}{
		{"0:3", 5, []int32{0, 1, 2}, false},
		{"4, 1:3", 5, []int32{4, 1, 2}, false},
		{"", 5, nil, false},
		{"2:2", 5, nil, false},
		{"5", 5, nil, true},
		{"0:6", 5, nil, true},
		{"-1", 5, nil, true},
		{"a:3", 5, nil, true},
		{"3:1", 5, nil, true},
	}
	for _, tt := range tests {
		got, err := ParseSplit(tt.spec, tt.size)
		if tt.wantErr {
			if !errors.Is(err, mlerrors.ErrInvalidSplit) {
				t.Errorf("%q: expected invalid split, got %v", tt.spec, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.spec, err)
			continue
		}
		if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
			t.Errorf("%q: got %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestIntersectionReportsRow(t *testing.T) {
	spec := SplitSpec{Train: Ranges("0:5"), Validation: Rows(7), Test: Ranges("4:8")}
	_, err := spec.Resolve(10)
	if !errors.Is(err, mlerrors.ErrInvalidSplit) {
		t.Fatalf("expected invalid split, got %v", err)
	}
	if !strings.Contains(err.Error(), "row 4") {
		t.Errorf("error should name the shared row: %v", err)
	}
}

func TestReadTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "task.h5")
	spec := Spec{
		Splits: []SplitSpec{
			{Train: Rows(0, 1, 2), Validation: Rows(3), Test: Ranges("4:6")},
			{Train: Ranges("3:6"), Test: Rows(0, 1)},
		},
		InputVars:  []int{0},
		OutputVars: []int{1},
		LabelDims:  []int{1},
		DataSize:   6,
	}
	if err := WriteTask(ctx, p, sample(6), spec); err != nil {
		t.Fatalf("WriteTask failed: %v", err)
	}

	got, err := ReadTask(ctx, p)
	if err != nil {
		t.Fatalf("ReadTask failed: %v", err)
	}
	if got.DataSize != 6 || len(got.Splits) != 2 {
		t.Fatalf("got size %d with %d splits", got.DataSize, len(got.Splits))
	}
	if !reflect.DeepEqual(got.Splits[0].Test, []int32{4, 5}) || !reflect.DeepEqual(got.Splits[1].Train, []int32{3, 4, 5}) {
		t.Errorf("splits = %+v", got.Splits)
	}
	if !reflect.DeepEqual(got.LabelDims, []int32{1}) || !reflect.DeepEqual(got.InputVars, []int32{0}) {
		t.Errorf("vars = %+v", got)
	}

	rows, err := SplitImages(ctx, p)
	if err != nil || len(rows) != 2 {
		t.Fatalf("SplitImages = %v, %v", rows, err)
	}
	if !reflect.DeepEqual(rows[1], []int32{3, 3, 0, 1, 1, 1}) {
		t.Errorf("second row = %v", rows[1])
	}
	if _, err := SplitImage(ctx, p, 2); !errors.Is(err, mlerrors.ErrInvalidSplit) {
		t.Errorf("expected out of range split, got %v", err)
	}
}

func TestAddData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	train := filepath.Join(dir, "a.tr")
	test := filepath.Join(dir, "a.t")
	os.WriteFile(train, []byte("1 1:1\n1 1:2\n-1 2:1\n"), 0644)
	os.WriteFile(test, []byte("1 1:1\n-1 1:3\n"), 0644)
	p := filepath.Join(dir, "a.h5")
	if err := WriteTask(ctx, p, sample(5), Spec{}); err != nil {
		t.Fatal(err)
	}

	if err := AddData(ctx, p, []string{train, test}, nil); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}
	got, err := ReadTask(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got.DataSize != 5 || !reflect.DeepEqual(got.Splits[0].Train, []int32{0, 1, 2}) ||
		!reflect.DeepEqual(got.Splits[0].Test, []int32{3, 4}) {
		t.Errorf("task = %+v", got)
	}
}

func TestRenderSplitImage(t *testing.T) {
	rows := [][]int32{{1, 1, 2, 3}, {3, 3, 0, 1}}
	b, err := RenderSplitImage(rows, 100)
	if err != nil {
		t.Fatalf("RenderSplitImage failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("not a PNG: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 8 || bounds.Dy() != 40 {
		t.Errorf("size = %dx%d, want 8x40", bounds.Dx(), bounds.Dy())
	}
	r, g, b2, _ := img.At(0, 0).RGBA()
	want := Palette[Train]
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b2>>8) != want.B {
		t.Errorf("first cell is not the train colour")
	}
	r, g, b2, _ = img.At(5, 25).RGBA()
	if uint8(r>>8) != 0xff || uint8(g>>8) != 0xff || uint8(b2>>8) != 0xff {
		t.Errorf("unused cell is not white")
	}
}

func TestProperty_AcceptedSplitsAreDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted splits are disjoint and inside the data", prop.ForAll(
		func(size int, train, val, test []int) bool {
			spec := SplitSpec{Train: Rows(train...), Validation: Rows(val...), Test: Rows(test...)}
			s, err := spec.Resolve(size)
			if err != nil {
				return errors.Is(err, mlerrors.ErrInvalidSplit)
			}
			seen := make(map[int32]int)
			for part, rows := range [][]int32{s.Train, s.Validation, s.Test} {
				for _, r := range rows {
					if r < 0 || int(r) >= size {
						return false
					}
					if prev, ok := seen[r]; ok && prev != part {
						return false
					}
					seen[r] = part
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOfN(3, gen.IntRange(-2, 22)),
		gen.SliceOfN(2, gen.IntRange(-2, 22)),
		gen.SliceOfN(3, gen.IntRange(-2, 22)),
	))
	properties.TestingRun(t)
}
