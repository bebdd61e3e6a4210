package ingest

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/mozillazg/go-slugify"

	"github.com/mldata/mldata/internal/records"
)

const maxSlugAttempts = 10

// Slug derives the record slug of a dataset name.
func Slug(name string) string {
	s := slugify.Slugify(name)
	if s == "" {
		s = "dataset"
	}
	return truncate(s, records.MaxSlugLength)
}

// WithSuffix appends a random numeric suffix to slug, shortening slug so
// that the result stays within records.MaxSlugLength.
func WithSuffix(slug string) string {
	suffix := "-" + strconv.Itoa(rand.Intn(1000000))
	return truncate(slug, records.MaxSlugLength-len(suffix)) + suffix
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "-")
}
