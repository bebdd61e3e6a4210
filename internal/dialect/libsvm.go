package dialect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

// LibSVM reads and writes `label[,label...] idx:val ...` files.
//
// Features become rows of a CSC matrix (row = idx - base, base 1 unless the
// file uses index 0). The label is a vector for single-label files and an
// indicator matrix with one row per class for multi-label files.
type LibSVM struct{}

type svmEntry struct {
	idx int
	val float64
}

type svmLine struct {
	line   int
	labels []float64
	feats  []svmEntry
}

// Parse reads path.
func (LibSVM) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("libsvm: failed to open %s: %w", path, err)
	}
	defer f.Close()

	res := &Parsed{}
	var lines []svmLine
	minIdx, maxIdx := math.MaxInt, -1
	multi := false

	sc := newLineScanner(f)
	for {
		text, line, ok := sc.Next()
		if !ok {
			break
		}
		if err := checkContext(ctx, line); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		l, err := parseSVMLine(text)
		if err != nil {
			res.warn(mlerrors.NewParseError("libsvm", line, err.Error()))
			continue
		}
		l.line = line
		for _, e := range l.feats {
			minIdx = min(minIdx, e.idx)
			maxIdx = max(maxIdx, e.idx)
		}
		if len(l.labels) != 1 {
			multi = true
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("libsvm: failed to read %s: %w", path, err)
	}

	var label dataset.Column
	if multi {
		kept := lines[:0]
		for _, l := range lines {
			if bad := invalidClass(l.labels); bad != "" {
				res.warn(mlerrors.NewParseError("libsvm", l.line, fmt.Sprintf("multi-label class %s is not a non-negative integer", bad)))
				continue
			}
			kept = append(kept, l)
		}
		lines = kept
		label = indicatorLabel(lines)
	} else {
		label = singleLabel(lines)
	}

	base := 1
	if minIdx == 0 {
		base = 0
	}
	rows := 0
	if maxIdx >= 0 {
		rows = maxIdx - base + 1
	}

	sp := &dataset.Sparse{Rows: rows, Cols: len(lines), Indptr: make([]int32, 1, len(lines)+1)}
	for _, l := range lines {
		for _, e := range l.feats {
			if e.val == 0 {
				continue
			}
			sp.Indices = append(sp.Indices, int32(e.idx-base))
			sp.Data = append(sp.Data, e.val)
		}
		sp.Indptr = append(sp.Indptr, int32(len(sp.Data)))
	}

	d := dataset.New(datasetName(path, opts))
	if sp.Density() < opts.density() {
		err = d.Add(dataset.SparseKey, sp)
	} else {
		err = d.Add(fmt.Sprintf("%s0", dataset.KindDouble), sp.Dense())
	}
	if err != nil {
		return nil, err
	}
	d.Label = label
	d.Names = make([]string, 0, rows+1)
	d.Names = append(d.Names, dataset.LabelKey)
	for i := 0; i < rows; i++ {
		d.Names = append(d.Names, fmt.Sprintf("dim%d", i+base))
	}
	res.Dataset = d
	return res, nil
}

func parseSVMLine(text string) (svmLine, error) {
	var l svmLine
	toks := strings.Fields(text)
	if len(toks) > 0 && !strings.Contains(toks[0], ":") {
		for _, s := range strings.Split(toks[0], ",") {
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return l, fmt.Errorf("bad label %q", s)
			}
			l.labels = append(l.labels, v)
		}
		toks = toks[1:]
	}
	for _, tok := range toks {
		idxText, valText, ok := strings.Cut(tok, ":")
		if !ok {
			return l, fmt.Errorf("bad feature %q", tok)
		}
		idx, err := strconv.Atoi(idxText)
		if err != nil || idx < 0 {
			return l, fmt.Errorf("bad feature index %q", idxText)
		}
		val, err := strconv.ParseFloat(valText, 64)
		if err != nil {
			return l, fmt.Errorf("bad feature value %q", valText)
		}
		l.feats = append(l.feats, svmEntry{idx: idx, val: val})
	}
	sort.SliceStable(l.feats, func(i, j int) bool { return l.feats[i].idx < l.feats[j].idx })
	for i := 1; i < len(l.feats); i++ {
		if l.feats[i].idx == l.feats[i-1].idx {
			return l, fmt.Errorf("feature index %d appears twice", l.feats[i].idx)
		}
	}
	return l, nil
}

func invalidClass(labels []float64) string {
	for _, v := range labels {
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return ""
}

func indicatorLabel(lines []svmLine) dataset.Column {
	classes := 0
	for _, l := range lines {
		for _, v := range l.labels {
			classes = max(classes, int(v)+1)
		}
	}
	n := len(lines)
	out := &dataset.Ints{Rows: classes, Cols: n, Values: make([]int32, classes*n)}
	for j, l := range lines {
		for _, v := range l.labels {
			out.Values[int(v)*n+j] = 1
		}
	}
	return out
}

func singleLabel(lines []svmLine) dataset.Column {
	integral := true
	for _, l := range lines {
		v := l.labels[0]
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32+1 {
			integral = false
			break
		}
	}
	if integral {
		values := make([]int32, len(lines))
		for i, l := range lines {
			values[i] = int32(l.labels[0])
		}
		return dataset.IntVector(values)
	}
	values := make([]float64, len(lines))
	for i, l := range lines {
		values[i] = l.labels[0]
	}
	return dataset.DoubleVector(values)
}

// Write emits one line per example with 1-based feature indices. Only a
// sparse matrix or a single numeric group can be written.
func (LibSVM) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	var feats dataset.Numeric
	switch {
	case d.IsSparse():
		feats = d.Data[dataset.SparseKey].(*dataset.Sparse)
	case len(d.Ordering) == 1:
		num, ok := d.Data[d.Ordering[0]].(dataset.Numeric)
		if !ok {
			return mlerrors.NewWriteError("libsvm", "the only data group is not numeric", nil)
		}
		feats = num
	default:
		return mlerrors.NewWriteError("libsvm", fmt.Sprintf("need a sparse matrix or exactly one dense group, have %d groups", len(d.Ordering)), nil)
	}
	rows, n := feats.Dims()
	sp, isSparse := feats.(*dataset.Sparse)

	// Rows past the last nonzero need an explicit zero so the width survives.
	last := -1
	if isSparse {
		for _, r := range sp.Indices {
			last = max(last, int(r))
		}
	} else {
		for i := 0; i < rows; i++ {
			for j := 0; j < n; j++ {
				if feats.Float(i, j) != 0 {
					last = max(last, i)
					break
				}
			}
		}
	}

	return writeAtomic(dest, "libsvm", func(w *bufio.Writer) error {
		for j := 0; j < n; j++ {
			if err := checkContext(ctx, j+1); err != nil {
				return err
			}
			w.WriteString(svmLabel(d.Label, j))
			if isSparse {
				for k := sp.Indptr[j]; k < sp.Indptr[j+1]; k++ {
					writeFeature(w, int(sp.Indices[k])+1, sp.Data[k])
				}
			} else {
				for i := 0; i < rows; i++ {
					if v := feats.Float(i, j); v != 0 {
						writeFeature(w, i+1, v)
					}
				}
			}
			if j == 0 && last < rows-1 {
				fmt.Fprintf(w, " %d:0", rows)
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeFeature(w *bufio.Writer, idx int, v float64) {
	w.WriteByte(' ')
	w.WriteString(strconv.Itoa(idx))
	w.WriteByte(':')
	if math.IsNaN(v) {
		w.WriteString("nan")
		return
	}
	w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}

// svmLabel prints the label of example j: "0" without a label, the value
// for a single row, and the indices of the set classes for several rows.
func svmLabel(label dataset.Column, j int) string {
	if label == nil {
		return "0"
	}
	rows, _ := label.Dims()
	if rows == 1 {
		return label.Text(0, j)
	}
	num, ok := label.(dataset.Numeric)
	if !ok {
		cells := make([]string, rows)
		for i := range cells {
			cells[i] = label.Text(i, j)
		}
		return strings.Join(cells, ",")
	}
	var set []string
	for i := 0; i < rows; i++ {
		if v := num.Float(i, j); v != 0 && !math.IsNaN(v) {
			set = append(set, strconv.Itoa(i))
		}
	}
	return strings.Join(set, ",")
}
