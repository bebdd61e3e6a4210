package h5

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mldata/mldata/internal/dataset"
)

func denseSample() *dataset.Dataset {
	d := dataset.New("sample")
	d.Comment = "three columns"
	d.Names = []string{"letter", "count", "weight"}
	d.Types = []string{dataset.TypeString, dataset.TypeNumeric, dataset.TypeNumeric}
	_ = d.Add("str0", dataset.StringVector([]string{"a", "b", "c/d"}))
	_ = d.Add("int1", dataset.IntVector([]int32{1, 3, dataset.MissingInt}))
	_ = d.Add("double2", dataset.DoubleVector([]float64{2.0, 4.5, 6.0}))
	return d
}

func writeTemp(t *testing.T, d *dataset.Dataset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.h5")
	err := WithWriter(context.Background(), path, func(f *File) error {
		return WriteCanonical(context.Background(), f, d)
	})
	if err != nil {
		t.Fatalf("failed to write canonical file: %v", err)
	}
	return path
}

func TestWriteReadCanonical(t *testing.T) {
	ctx := context.Background()
	path := writeTemp(t, denseSample())

	if !IsContainer(path) {
		t.Fatal("written file is not recognised as a container")
	}

	err := WithReader(ctx, path, func(f *File) error {
		d, err := ReadCanonical(ctx, f)
		if err != nil {
			return err
		}
		if d.Name != "sample" || d.Comment != "three columns" {
			t.Errorf("attributes mismatch: got %q/%q", d.Name, d.Comment)
		}
		want := []string{"str0", "int1", "double2"}
		if len(d.Ordering) != len(want) {
			t.Fatalf("ordering mismatch: got %v, want %v", d.Ordering, want)
		}
		for i := range want {
			if d.Ordering[i] != want[i] {
				t.Errorf("ordering[%d]: got %s, want %s", i, d.Ordering[i], want[i])
			}
		}
		strs := d.Data["str0"].(*dataset.Strings)
		if strs.At(0, 2) != "c/d" {
			t.Errorf("string cell mismatch: got %q", strs.At(0, 2))
		}
		ints := d.Data["int1"].(*dataset.Ints)
		if ints.Vector() || ints.Rows != 1 {
			t.Errorf("merged int group should be a 1xN matrix, got %dx%d vector=%v", ints.Rows, ints.Cols, ints.Vector())
		}
		if !math.IsNaN(ints.Float(0, 2)) {
			t.Error("missing integer should read back as NaN")
		}
		if len(d.Types) != 3 || d.Types[0] != dataset.TypeString {
			t.Errorf("types mismatch: %v", d.Types)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestStringKeysArePathSafe(t *testing.T) {
	ctx := context.Background()
	d := dataset.New("slashes")
	_ = d.Add("a/b", dataset.StringVector([]string{"x"}))
	path := writeTemp(t, d)

	err := WithReader(ctx, path, func(f *File) error {
		ok, err := f.Exists(ctx, "/data/a+b")
		if err != nil {
			return err
		}
		if !ok {
			t.Error("expected /data/a+b to exist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestSparseRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := dataset.New("sparse")
	sp := &dataset.Sparse{
		Rows:    6,
		Cols:    3,
		Data:    []float64{1, 2, 0.5},
		Indices: []int32{1, 4, 0},
		Indptr:  []int32{0, 2, 2, 3},
	}
	_ = d.Add(dataset.SparseKey, sp)
	d.Label = dataset.DoubleVector([]float64{1, -1, 1})
	path := writeTemp(t, d)

	err := WithReader(ctx, path, func(f *File) error {
		n, m, err := Shape(ctx, f)
		if err != nil {
			return err
		}
		if n != 3 || m != 6 {
			t.Errorf("shape mismatch: got (%d,%d), want (3,6)", n, m)
		}
		children, err := f.Children(ctx, DataGroup)
		if err != nil {
			return err
		}
		want := []string{"data", "indices", "indptr", "label"}
		if len(children) != len(want) {
			t.Fatalf("children mismatch: got %v, want %v", children, want)
		}
		back, err := ReadCanonical(ctx, f)
		if err != nil {
			return err
		}
		got := back.Data[dataset.SparseKey].(*dataset.Sparse)
		if got.Rows != 6 || got.Float(4, 0) != 2 || got.Float(0, 2) != 0.5 {
			t.Errorf("sparse mismatch: %+v", got)
		}
		if back.Label == nil {
			t.Error("label lost")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestWithWriterDiscardsOnFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "never.h5")
	boom := errors.New("boom")

	err := WithWriter(context.Background(), dest, func(f *File) error {
		if err := f.WriteDataset(context.Background(), "/data/x", IntArray([]int32{1})); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files left behind, found %d", len(entries))
	}
}

func TestAttributeTypesEmptyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	d := dataset.New("untyped")
	_ = d.Add("int0", dataset.IntVector([]int32{1, 2}))
	path := writeTemp(t, d)

	_ = WithReader(ctx, path, func(f *File) error {
		types, err := AttributeTypes(ctx, f)
		if err != nil {
			t.Fatalf("AttributeTypes failed: %v", err)
		}
		if len(types) != 0 {
			t.Errorf("expected empty types, got %v", types)
		}
		return nil
	})
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	d := dataset.New("extract")
	d.Names = []string{dataset.LabelKey, "x"}
	values := make([]float64, 25)
	for i := range values {
		values[i] = float64(i)
	}
	_ = d.Add("double0", dataset.DoubleVector(values))
	d.Label = dataset.IntVector(make([]int32, 25))
	path := writeTemp(t, d)

	_ = WithReader(ctx, path, func(f *File) error {
		ex := ExtractFrom(ctx, f)
		if ex.Name != "extract" || ex.MLData != SchemaVersion {
			t.Errorf("header mismatch: %+v", ex)
		}
		if len(ex.Names) != 1 || ex.Names[0] != "x" {
			t.Errorf("names should exclude label, got %v", ex.Names)
		}
		if len(ex.Data) != ExtractRows {
			t.Fatalf("expected %d rows, got %d", ExtractRows, len(ex.Data))
		}
		if ex.Data[3][0] != "3.0" {
			t.Errorf("cell mismatch: got %s", ex.Data[3][0])
		}
		if len(ex.Labels) != ExtractRows || ex.Labels[0] != "0" {
			t.Errorf("labels mismatch: %v", ex.Labels)
		}
		return nil
	})
}

func TestExtractDegradesOnMissingFields(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bare.h5")
	err := WithWriter(ctx, path, func(f *File) error {
		return f.SetAttr(ctx, "/", "name", StringScalar("bare"))
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = WithReader(ctx, path, func(f *File) error {
		ex := ExtractFrom(ctx, f)
		if ex.Name != "bare" {
			t.Errorf("name mismatch: %q", ex.Name)
		}
		if len(ex.Data) != 0 || len(ex.Names) != 0 {
			t.Errorf("expected empty fields, got %+v", ex)
		}
		return nil
	})
}

func TestShapeMatchesWrittenShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)
	dir := t.TempDir()
	counter := 0

	properties.Property("shape(file) equals the shape used to write it", prop.ForAll(
		func(n int, kinds []int) bool {
			d := dataset.New("prop")
			for i, k := range kinds {
				key := string(rune('a'+i%26)) + string(rune('0'+i/26))
				var col dataset.Column
				switch k % 3 {
				case 0:
					col = dataset.IntVector(make([]int32, n))
				case 1:
					col = dataset.DoubleVector(make([]float64, n))
				default:
					col = dataset.StringVector(make([]string, n))
				}
				if err := d.Add(key, col); err != nil {
					return false
				}
			}
			counter++
			path := filepath.Join(dir, "p"+string(rune('0'+counter%10))+".h5")
			ctx := context.Background()
			err := WithWriter(ctx, path, func(f *File) error {
				return WriteCanonical(ctx, f, d)
			})
			if err != nil {
				return false
			}
			wantN, wantM := d.Shape()
			var gotN, gotM int
			err = WithReader(ctx, path, func(f *File) error {
				var err error
				gotN, gotM, err = Shape(ctx, f)
				return err
			})
			if len(kinds) == 0 {
				wantN = 0
			}
			return err == nil && gotN == wantN && gotM == wantM
		},
		gen.IntRange(1, 20),
		gen.SliceOfN(12, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
