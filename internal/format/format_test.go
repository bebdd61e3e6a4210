package format

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFromSuffix(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"a.svm", LibSVM},
		{"a.libsvm", LibSVM},
		{"dir/a.ARFF", ARFF},
		{"a.hdf5", H5},
		{"a.tsv", CSV},
		{"adult.data", UCI},
		{"a.m", Matlab},
		{"a.octave", Octave},
		{"a.tar.gz", TarGz},
		{"a.tar.bz2", TarBz2},
		{"a.tgz", TarGz},
		{"weka.jar", Zip},
		{"a.gz", Gz},
		{"a.txt", Unknown},
		{"README", Unknown},
	}
	for _, tt := range tests {
		if got := FromSuffix(tt.path); got != tt.want {
			t.Errorf("FromSuffix(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	if f, ok := Parse(""); !ok || f != Auto {
		t.Errorf("empty name should mean auto, got %s", f)
	}
	if f, ok := Parse("Octave"); !ok || f != Octave {
		t.Errorf("got %s", f)
	}
	if _, ok := Parse("excel"); ok {
		t.Error("excel is not a format")
	}
}

func TestSniff(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]Format{
		"MATLAB 5.0 MAT-file, Platform: x": Matlab,
		"# Created by Octave 3.2.4":        Octave,
		"PK\x03\x04rest":                   Zip,
		"\x1f\x8b\x08":                     Gz,
		"BZh91AY":                          Bz2,
		"1,2,3":                            Unknown,
	}
	i := 0
	for content, want := range cases {
		i++
		p := filepath.Join(dir, strings.Repeat("f", i))
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if got := Sniff(p); got != want {
			t.Errorf("Sniff(%q) = %s, want %s", content, got, want)
		}
	}
}

func TestInferSeparator(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"a,b,c\n", ","},
		{"\n\n1 2 3\n", " "},
		{"1\t2\n", "\t"},
		{"x y,z\n", ","},
		{"single\nline\n", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := InferSeparatorReader(strings.NewReader(tt.text))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("InferSeparator(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestInferSeparatorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("a line splitting on exactly one separator yields it", prop.ForAll(
		func(tokens []string, which int) bool {
			sep := Separators[which]
			line := strings.Join(tokens, sep)
			got, err := InferSeparatorReader(strings.NewReader(line + "\n"))
			return err == nil && got == sep
		},
		gen.SliceOfN(3, gen.Identifier()),
		gen.IntRange(0, len(Separators)-1),
	))
	properties.TestingRun(t)
}
