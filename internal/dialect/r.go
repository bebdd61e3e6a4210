package dialect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
)

// R writes an R source file that rebuilds the dataset as a data.frame.
// There is no parser.
type R struct{}

// Write emits `<name> <- data.frame(...)` with the label columns first.
func (R) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	attrs := examples(d)
	labels := d.LabelAttributes()
	names := attributeNames(d, attrs)
	n, _ := d.Shape()

	cols := make([]string, 0, len(labels)+len(attrs))
	for i := range labels {
		if len(labels) == 1 {
			cols = append(cols, dataset.LabelKey)
		} else {
			cols = append(cols, fmt.Sprintf("%s%d", dataset.LabelKey, i))
		}
	}
	cols = append(cols, names...)
	all := append(append([]dataset.AttrRef(nil), labels...), attrs...)

	return writeAtomic(dest, "r", func(w *bufio.Writer) error {
		fmt.Fprintf(w, "# %s\n", strings.ReplaceAll(d.Name, "\n", " "))
		fmt.Fprintf(w, "%s <- data.frame(\n", rIdentifier(d.Name))
		for i, a := range all {
			if err := ctx.Err(); err != nil {
				return err
			}
			fmt.Fprintf(w, "  `%s` = c(", strings.ReplaceAll(cols[i], "`", "'"))
			for j := 0; j < n; j++ {
				if j > 0 {
					w.WriteString(", ")
				}
				w.WriteString(rValue(a, j))
			}
			w.WriteString("),\n")
		}
		_, err := w.WriteString("  check.names = FALSE,\n  stringsAsFactors = FALSE\n)\n")
		return err
	})
}

func rValue(a dataset.AttrRef, j int) string {
	if !a.Numeric() {
		return strconv.Quote(a.Text(j))
	}
	v := a.Float(j)
	switch {
	case math.IsNaN(v):
		return "NA"
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func rIdentifier(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('.')
		}
	}
	id := b.String()
	if id == "" || (id[0] >= '0' && id[0] <= '9') || id[0] == '_' {
		id = "d" + id
	}
	return id
}
