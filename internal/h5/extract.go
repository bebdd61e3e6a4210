package h5

import (
	"context"
	"log"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
)

// ExtractRows is the number of examples an extract shows.
const ExtractRows = 10

// Extract is the preview shown next to a dataset.
type Extract struct {
	MLData  int        `json:"mldata"`
	Name    string     `json:"name"`
	Comment string     `json:"comment"`
	Names   []string   `json:"names"`
	Types   []string   `json:"types"`
	Labels  []string   `json:"labels,omitempty"`
	Data    [][]string `json:"data"`
}

// Empty returns an extract with every field present but empty.
func Empty() *Extract {
	return &Extract{Names: []string{}, Types: []string{}, Data: [][]string{}}
}

// ExtractFrom builds the preview of f. A field that cannot be read is left
// empty and logged; the call itself never fails.
func ExtractFrom(ctx context.Context, f *File) *Extract {
	ex := Empty()

	if v, err := attrInt(ctx, f, "mldata"); err == nil {
		ex.MLData = v
	} else {
		log.Printf("h5: extract %s: mldata: %v", f.Path(), err)
	}
	ex.Name = attrString(ctx, f, "name")
	ex.Comment = attrString(ctx, f, "comment")

	if names, err := readStrings(ctx, f, NamesPath); err == nil {
		for _, n := range names {
			if n != dataset.LabelKey {
				ex.Names = append(ex.Names, n)
			}
		}
	} else {
		log.Printf("h5: extract %s: names: %v", f.Path(), err)
	}
	if types, err := AttributeTypes(ctx, f); err == nil {
		ex.Types = types
	} else {
		log.Printf("h5: extract %s: types: %v", f.Path(), err)
	}

	d, err := ReadCanonical(ctx, f)
	if err != nil {
		log.Printf("h5: extract %s: data: %v", f.Path(), err)
		return ex
	}
	ex.Data, ex.Labels = Rows(d, ExtractRows)
	return ex
}

// Rows returns up to k examples of d as printed cells, one slice per example,
// plus the label of each example (comma-joined across label rows).
func Rows(d *dataset.Dataset, k int) ([][]string, []string) {
	n, _ := d.Shape()
	if k > n {
		k = n
	}
	attrs := d.Attributes()
	labels := d.LabelAttributes()

	if sp, ok := d.Data[dataset.SparseKey].(*dataset.Sparse); ok {
		// Densify only the first k columns.
		head := &dataset.Sparse{Rows: sp.Rows, Cols: k, Indptr: sp.Indptr[:k+1]}
		end := sp.Indptr[k]
		head.Data, head.Indices = sp.Data[:end], sp.Indices[:end]
		attrs = (&dataset.Dataset{Ordering: []string{dataset.SparseKey}, Data: map[string]dataset.Column{dataset.SparseKey: head.Dense()}}).Attributes()
	}

	data := make([][]string, k)
	var out []string
	for j := 0; j < k; j++ {
		row := make([]string, len(attrs))
		for i, a := range attrs {
			row[i] = a.Text(j)
		}
		data[j] = row
		if len(labels) > 0 {
			cells := make([]string, len(labels))
			for i, l := range labels {
				cells[i] = l.Text(j)
			}
			out = append(out, strings.Join(cells, ","))
		}
	}
	return data, out
}
