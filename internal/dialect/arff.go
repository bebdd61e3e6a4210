package dialect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

// ARFF reads and writes Weka attribute-relation files.
type ARFF struct{}

type arffKind int

const (
	arffReal arffKind = iota
	arffInteger
	arffString
	arffDate
	arffNominal
)

type arffAttribute struct {
	name   string
	kind   arffKind
	domain []string
	values []string
}

func (a *arffAttribute) descriptor() string {
	switch a.kind {
	case arffString:
		return dataset.TypeString
	case arffDate:
		return dataset.TypeDate
	case arffNominal:
		return dataset.NominalType(a.domain)
	}
	return dataset.TypeNumeric
}

// check validates one cell against the attribute type.
func (a *arffAttribute) check(v string, quoted bool) error {
	if v == "?" && !quoted {
		return nil
	}
	switch a.kind {
	case arffInteger:
		if _, err := strconv.ParseInt(v, 10, 32); err != nil {
			return fmt.Errorf("attribute %s: %q is not an integer", a.name, v)
		}
	case arffReal:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("attribute %s: %q is not numeric", a.name, v)
		}
	case arffNominal:
		for _, d := range a.domain {
			if d == v {
				return nil
			}
		}
		return fmt.Errorf("attribute %s: %q is not one of {%s}", a.name, v, strings.Join(a.domain, ","))
	}
	return nil
}

func (a *arffAttribute) zero() string {
	switch a.kind {
	case arffNominal:
		if len(a.domain) > 0 {
			return a.domain[0]
		}
		return ""
	case arffString, arffDate:
		return ""
	}
	return "0"
}

func (a *arffAttribute) column() dataset.Column {
	switch a.kind {
	case arffInteger:
		values := make([]int32, len(a.values))
		for i, v := range a.values {
			if v == "?" {
				values[i] = dataset.MissingInt
				continue
			}
			x, ok := parseInt32(v)
			if !ok {
				// The missing marker itself, kept as a real value.
				return inferDoubles(a.values)
			}
			values[i] = x
		}
		return dataset.IntVector(values)
	case arffReal:
		return inferDoubles(a.values)
	}
	return dataset.StringVector(a.values)
}

func inferDoubles(tokens []string) *dataset.Doubles {
	values := make([]float64, len(tokens))
	for i, v := range tokens {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			x = math.NaN()
		}
		values[i] = x
	}
	return dataset.DoubleVector(values)
}

// Parse reads path. Attributes named "label" become the dataset label.
func (ARFF) Parse(ctx context.Context, path string, opts ParseOptions) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("arff: failed to open %s: %w", path, err)
	}
	defer f.Close()

	res := &Parsed{}
	d := dataset.New(datasetName(path, opts))
	var attrs []*arffAttribute
	inData := false

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
		if text == "" || strings.HasPrefix(text, "%") {
			continue
		}

		if !inData {
			keyword, rest := splitKeyword(text)
			switch strings.ToLower(keyword) {
			case "@relation":
				name, _, _ := readName(rest)
				if name != "" && opts.Name == "" {
					d.Name = name
				}
			case "@attribute":
				a, err := parseAttribute(rest)
				if err != nil {
					return nil, mlerrors.NewParseError("arff", line, err.Error())
				}
				attrs = append(attrs, a)
			case "@data":
				if len(attrs) == 0 {
					return nil, mlerrors.NewParseError("arff", line, "@data before any @attribute")
				}
				inData = true
			default:
				return nil, mlerrors.NewParseError("arff", line, fmt.Sprintf("unexpected header line %q", text))
			}
			continue
		}

		row, err := parseDataLine(text, attrs)
		if err != nil {
			res.warn(mlerrors.NewParseError("arff", line, err.Error()))
			continue
		}
		for i, a := range attrs {
			a.values = append(a.values, row[i])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("arff: failed to read %s: %w", path, err)
	}
	if !inData {
		return nil, mlerrors.NewParseError("arff", sc.line, "no @data section")
	}

	var labels []dataset.Column
	for i, a := range attrs {
		d.Names = append(d.Names, a.name)
		d.Types = append(d.Types, a.descriptor())
		col := a.column()
		if a.name == dataset.LabelKey {
			labels = append(labels, col)
			continue
		}
		if err := d.Add(fmt.Sprintf("%s%d", col.Kind(), i), col); err != nil {
			return nil, err
		}
	}
	if err := setLabel(d, labels); err != nil {
		return nil, err
	}
	res.Dataset = d
	return res, nil
}

// setLabel installs label columns: one stays a vector, several are stacked.
func setLabel(d *dataset.Dataset, labels []dataset.Column) error {
	switch len(labels) {
	case 0:
		return nil
	case 1:
		d.Label = labels[0]
		return nil
	}
	col, err := dataset.Stack(labels)
	if err != nil {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, err.Error())
	}
	d.Label = col
	return nil
}

func splitKeyword(text string) (string, string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// readName reads a possibly quoted name and returns the remainder.
func readName(s string) (name, rest string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("missing name")
	}
	if q := s[0]; q == '\'' || q == '"' {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			switch c := s[i]; {
			case c == '\\' && i+1 < len(s):
				i++
				b.WriteByte(s[i])
			case c == q:
				return b.String(), strings.TrimSpace(s[i+1:]), nil
			default:
				b.WriteByte(c)
			}
		}
		return "", "", fmt.Errorf("unterminated quote in %q", s)
	}
	name, rest = splitKeyword(s)
	return name, rest, nil
}

func parseAttribute(rest string) (*arffAttribute, error) {
	name, typ, err := readName(rest)
	if err != nil {
		return nil, fmt.Errorf("@attribute: %w", err)
	}
	a := &arffAttribute{name: name}
	if strings.HasPrefix(typ, "{") {
		end := strings.LastIndex(typ, "}")
		if end < 0 {
			return nil, fmt.Errorf("@attribute %s: unterminated nominal domain", name)
		}
		a.kind = arffNominal
		a.domain = []string{}
		if inner := strings.TrimSpace(typ[1:end]); inner != "" {
			for _, tok := range splitValues(inner) {
				a.domain = append(a.domain, tok.value)
			}
		}
		return a, nil
	}
	keyword, _ := splitKeyword(typ)
	switch strings.ToLower(keyword) {
	case "real", "numeric":
		a.kind = arffReal
	case "integer":
		a.kind = arffInteger
	case "string":
		a.kind = arffString
	case "date":
		a.kind = arffDate
	default:
		return nil, fmt.Errorf("@attribute %s: unsupported type %q", name, typ)
	}
	return a, nil
}

type arffToken struct {
	value  string
	quoted bool
}

// splitValues splits on commas outside quotes and unquotes each token.
func splitValues(s string) []arffToken {
	var out []arffToken
	var b strings.Builder
	var quote byte
	quoted := false
	flush := func() {
		v := b.String()
		if !quoted {
			v = strings.TrimSpace(v)
		}
		out = append(out, arffToken{value: v, quoted: quoted})
		b.Reset()
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			b.WriteByte(c)
		case (c == '\'' || c == '"') && strings.TrimSpace(b.String()) == "":
			b.Reset()
			quote, quoted = c, true
		case c == ',':
			flush()
		case quoted && (c == ' ' || c == '\t'):
		default:
			b.WriteByte(c)
		}
	}
	flush()
	return out
}

func parseDataLine(text string, attrs []*arffAttribute) ([]string, error) {
	row := make([]string, len(attrs))
	if strings.HasPrefix(text, "{") {
		end := strings.LastIndex(text, "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated sparse instance")
		}
		for i, a := range attrs {
			row[i] = a.zero()
		}
		inner := strings.TrimSpace(text[1:end])
		if inner == "" {
			return row, nil
		}
		for _, entry := range strings.Split(inner, ",") {
			idxText, value := splitKeyword(strings.TrimSpace(entry))
			idx, err := strconv.Atoi(idxText)
			if err != nil || idx < 0 || idx >= len(attrs) {
				return nil, fmt.Errorf("bad sparse index %q", idxText)
			}
			tok := splitValues(value)[0]
			if err := attrs[idx].check(tok.value, tok.quoted); err != nil {
				return nil, err
			}
			row[idx] = tok.value
		}
		return row, nil
	}

	toks := splitValues(text)
	if len(toks) != len(attrs) {
		return nil, fmt.Errorf("expected %d values, got %d", len(attrs), len(toks))
	}
	for i, tok := range toks {
		if err := attrs[i].check(tok.value, tok.quoted); err != nil {
			return nil, err
		}
		row[i] = tok.value
	}
	return row, nil
}

// Write emits the dataset with label attributes first. Declared types are
// used when present; otherwise int groups become integer, double groups
// numeric and string groups string.
func (ARFF) Write(ctx context.Context, d *dataset.Dataset, dest string) error {
	attrs := examples(d)
	labels := d.LabelAttributes()
	names := attributeNames(d, attrs)
	types := attributeTypes(d, attrs)
	n, _ := d.Shape()

	all := append(append([]dataset.AttrRef(nil), labels...), attrs...)
	decl := make([]string, 0, len(all))
	for _, l := range labels {
		decl = append(decl, arffTypeFor(l, ""))
	}
	for i, a := range attrs {
		descr := ""
		if types != nil {
			descr = types[i]
		}
		decl = append(decl, arffTypeFor(a, descr))
	}

	return writeAtomic(dest, "arff", func(w *bufio.Writer) error {
		relation := d.Name
		if relation == "" {
			relation = "mldata"
		}
		fmt.Fprintf(w, "@relation %s\n\n", arffQuote(relation, false))
		for i := range labels {
			fmt.Fprintf(w, "@attribute %s %s\n", dataset.LabelKey, decl[i])
		}
		for i, name := range names {
			fmt.Fprintf(w, "@attribute %s %s\n", arffQuote(name, false), decl[len(labels)+i])
		}
		w.WriteString("\n@data\n")

		cells := make([]string, len(all))
		for j := 0; j < n; j++ {
			if err := checkContext(ctx, j+1); err != nil {
				return err
			}
			for i, a := range all {
				cells[i] = arffCell(a, j, decl[i])
			}
			w.WriteString(strings.Join(cells, ","))
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		return nil
	})
}

func arffTypeFor(a dataset.AttrRef, descr string) string {
	if values, ok := dataset.NominalValues(descr); ok && a.Col.Kind() == dataset.KindString {
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = arffQuote(v, false)
		}
		return "{" + strings.Join(quoted, ",") + "}"
	}
	switch a.Col.Kind() {
	case dataset.KindInt:
		return "integer"
	case dataset.KindDouble:
		return "numeric"
	}
	if descr == dataset.TypeDate {
		return "date"
	}
	return "string"
}

func arffCell(a dataset.AttrRef, j int, decl string) string {
	if a.Numeric() {
		v := a.Text(j)
		if v == "nan" {
			return "?"
		}
		return v
	}
	v := a.Text(j)
	if v == "?" && strings.HasPrefix(decl, "{") {
		return v
	}
	return arffQuote(v, decl == "string" || decl == "date")
}

// arffQuote single-quotes s when it would not survive as a bare token.
func arffQuote(s string, always bool) string {
	if !always && s != "" && s != "?" && !strings.ContainsAny(s, " \t,'\"%{}\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}
