// Package detect identifies the container or dialect of a file, first from
// its suffix and then from its content.
package detect

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/mldata/mldata/internal/dialect"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
)

var svmFeature = regexp.MustCompile(`^\d+:\S+$`)

// Detect returns the format of path. The suffix wins when it is known;
// otherwise the content is probed as ARFF, comma-separated CSV, LibSVM and
// H5 in that order, then by magic bytes. Detect has no side effects.
func Detect(ctx context.Context, path string) format.Format {
	if f := format.FromSuffix(path); f != format.Unknown {
		return f
	}
	return Content(ctx, path)
}

// Content runs the content pass only.
func Content(ctx context.Context, path string) format.Format {
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return format.Unknown
	}

	if !format.IsBinary(path) {
		if isARFF(ctx, path) {
			return format.ARFF
		}
		if sep, err := format.InferSeparator(path); err == nil && sep == "," {
			return format.CSV
		}
		if isLibSVM(path) {
			return format.LibSVM
		}
	}
	if h5.IsContainer(path) {
		return format.H5
	}
	return format.Sniff(path)
}

// Require is Detect that fails with a FormatDetectionError on Unknown.
func Require(ctx context.Context, path string) (format.Format, error) {
	f := Detect(ctx, path)
	if f == format.Unknown {
		return f, mlerrors.NewFormatDetectionError(path)
	}
	return f, nil
}

func isARFF(ctx context.Context, path string) bool {
	res, err := dialect.ARFF{}.Parse(ctx, path, dialect.ParseOptions{})
	return err == nil && res.Dataset != nil
}

// isLibSVM checks that the first non-comment line has at least two tokens
// and that the second one looks like idx:val.
func isLibSVM(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var line string
	found := false
	err = dialect.EachLine(f, func(_ int, text string) bool {
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") {
			return true
		}
		line, found = text, true
		return false
	})
	if err != nil || !found {
		return false
	}
	toks := strings.Fields(line)
	return len(toks) >= 2 && svmFeature.MatchString(toks[1])
}
