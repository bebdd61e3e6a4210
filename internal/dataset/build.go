package dataset

import (
	"fmt"
	"strings"
)

// IntVector builds a 1-D integer group.
func IntVector(values []int32) *Ints {
	return &Ints{Rows: 1, Cols: len(values), Flat: true, Values: values}
}

// DoubleVector builds a 1-D double group.
func DoubleVector(values []float64) *Doubles {
	return &Doubles{Rows: 1, Cols: len(values), Flat: true, Values: values}
}

// StringVector builds a 1-D string group.
func StringVector(values []string) *Strings {
	return &Strings{Rows: 1, Cols: len(values), Flat: true, Values: values}
}

// AttrRef addresses one attribute: row Row of group Col.
type AttrRef struct {
	Key string
	Col Column
	Row int
}

// Text returns the printed cell for example j.
func (a AttrRef) Text(j int) string { return a.Col.Text(a.Row, j) }

// Numeric reports whether the attribute has a numeric view.
func (a AttrRef) Numeric() bool { return a.Col.Kind() != KindString }

// Float returns the numeric view of example j. Only valid when Numeric.
func (a AttrRef) Float(j int) float64 { return a.Col.(Numeric).Float(a.Row, j) }

// Attributes flattens the groups in ordering order into one reference per
// attribute.
func (d *Dataset) Attributes() []AttrRef {
	var out []AttrRef
	for _, key := range d.Ordering {
		col := d.Data[key]
		rows, _ := col.Dims()
		for i := 0; i < rows; i++ {
			out = append(out, AttrRef{Key: key, Col: col, Row: i})
		}
	}
	return out
}

// LabelAttributes flattens the label rows, or nil.
func (d *Dataset) LabelAttributes() []AttrRef {
	if d.Label == nil {
		return nil
	}
	rows, _ := d.Label.Dims()
	out := make([]AttrRef, rows)
	for i := range out {
		out[i] = AttrRef{Key: LabelKey, Col: d.Label, Row: i}
	}
	return out
}

// SafeKey replaces the H5 path separator in a group key.
func SafeKey(key string) string {
	return strings.ReplaceAll(key, "/", "+")
}

// Pack returns a copy of the dataset whose adjacent 1-D numeric groups of the
// same kind are merged into one 2-D group keyed "<kind><position>". String
// groups and 2-D groups keep their own key (made path safe). Names, types
// and the label are shared with the receiver.
func (d *Dataset) Pack() *Dataset {
	out := &Dataset{
		Name:    d.Name,
		Comment: d.Comment,
		Names:   d.Names,
		Types:   d.Types,
		Label:   d.Label,
		Data:    make(map[string]Column, len(d.Data)),
	}

	var run []Column
	var runKind Kind
	flush := func() {
		if len(run) == 0 {
			return
		}
		key := uniqueKey(out, fmt.Sprintf("%s%d", runKind, len(out.Ordering)))
		out.Ordering = append(out.Ordering, key)
		out.Data[key], _ = Stack(run)
		run = nil
	}

	for _, key := range d.Ordering {
		col := d.Data[key]
		kind := col.Kind()
		_, isSparse := col.(*Sparse)
		if col.Vector() && kind != KindString && !isSparse {
			if len(run) > 0 && runKind != kind {
				flush()
			}
			runKind = kind
			run = append(run, col)
			continue
		}
		flush()
		newKey := key
		if !isSparse {
			newKey = uniqueKey(out, SafeKey(key))
		}
		out.Ordering = append(out.Ordering, newKey)
		out.Data[newKey] = col
	}
	flush()
	return out
}

func uniqueKey(d *Dataset, key string) string {
	for {
		if _, taken := d.Data[key]; !taken && key != LabelKey {
			return key
		}
		key += "_"
	}
}

// Stack concatenates dense groups of one kind and example count into a
// single 2-D group, rows in argument order.
func Stack(cols []Column) (Column, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("dataset: nothing to stack")
	}
	kind := cols[0].Kind()
	_, n := cols[0].Dims()
	rows := 0
	for _, c := range cols {
		if _, ok := c.(*Sparse); ok {
			return nil, fmt.Errorf("dataset: cannot stack a sparse group")
		}
		r, cn := c.Dims()
		if c.Kind() != kind || cn != n {
			return nil, fmt.Errorf("dataset: cannot stack %s group of %d examples onto %s group of %d", c.Kind(), cn, kind, n)
		}
		rows += r
	}
	switch kind {
	case KindInt:
		out := &Ints{Rows: rows, Cols: n, Values: make([]int32, 0, rows*n)}
		for _, c := range cols {
			out.Values = append(out.Values, c.(*Ints).Values...)
		}
		return out, nil
	case KindDouble:
		out := &Doubles{Rows: rows, Cols: n, Values: make([]float64, 0, rows*n)}
		for _, c := range cols {
			out.Values = append(out.Values, c.(*Doubles).Values...)
		}
		return out, nil
	default:
		out := &Strings{Rows: rows, Cols: n, Values: make([]string, 0, rows*n)}
		for _, c := range cols {
			out.Values = append(out.Values, c.(*Strings).Values...)
		}
		return out, nil
	}
}
