package dialect

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/mldata/mldata/internal/dataset"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/h5"
)

// XML dumps a container file as XML. With Dumper set, the external binary is
// run as `<Dumper> -x <file>` and its output becomes the export; otherwise
// the container hierarchy is serialised directly.
type XML struct {
	Dumper string
}

type xmlFile struct {
	XMLName xml.Name `xml:"HDF5-File"`
	Root    xmlGroup `xml:"RootGroup"`
}

type xmlGroup struct {
	Name       string     `xml:"Name,attr,omitempty"`
	Path       string     `xml:"H5Path,attr"`
	Attributes []xmlNode  `xml:"Attribute"`
	Groups     []xmlGroup `xml:"Group"`
	Datasets   []xmlNode  `xml:"Dataset"`
}

type xmlNode struct {
	Name   string   `xml:"Name,attr"`
	Type   string   `xml:"Type,attr"`
	Dims   string   `xml:"Dims,attr"`
	Values []string `xml:"Data>Value"`
}

// Dump writes the XML form of the container at src to dest.
func (x XML) Dump(ctx context.Context, src, dest string) error {
	if x.Dumper != "" {
		return writeAtomic(dest, "xml", func(w *bufio.Writer) error {
			cmd := exec.CommandContext(ctx, x.Dumper, "-x", src)
			cmd.Stdout = w
			var stderr strings.Builder
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return mlerrors.NewWriteError("xml", fmt.Sprintf("%s failed: %s", x.Dumper, strings.TrimSpace(stderr.String())), err)
			}
			return nil
		})
	}

	var doc xmlFile
	err := h5.WithReader(ctx, src, func(f *h5.File) error {
		root, err := dumpGroup(ctx, f, "/")
		if err != nil {
			return err
		}
		doc.Root = *root
		return nil
	})
	if err != nil {
		return mlerrors.NewWriteError("xml", "cannot read "+src, err)
	}
	return writeAtomic(dest, "xml", func(w *bufio.Writer) error {
		w.WriteString(xml.Header)
		enc := xml.NewEncoder(w)
		enc.Indent("", " ")
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
}

func dumpGroup(ctx context.Context, f *h5.File, group string) (*xmlGroup, error) {
	g := &xmlGroup{Path: group}
	if group != "/" {
		g.Name = path.Base(group)
	}

	attrs, err := f.Attrs(ctx, group)
	if err != nil {
		return nil, err
	}
	for _, name := range attrs {
		arr, err := f.Attr(ctx, group, name)
		if err != nil {
			return nil, err
		}
		g.Attributes = append(g.Attributes, xmlArray(name, arr))
	}

	children, err := f.Children(ctx, group)
	if err != nil {
		return nil, err
	}
	for _, name := range children {
		arr, err := f.ReadDataset(ctx, path.Join(group, name))
		if err != nil {
			return nil, err
		}
		g.Datasets = append(g.Datasets, xmlArray(name, arr))
	}

	groups, err := f.Groups(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(groups)
	for _, sub := range groups {
		if sub == group || path.Dir(sub) != group {
			continue
		}
		child, err := dumpGroup(ctx, f, sub)
		if err != nil {
			return nil, err
		}
		g.Groups = append(g.Groups, *child)
	}
	return g, nil
}

func xmlArray(name string, arr *h5.Array) xmlNode {
	dims := make([]string, len(arr.Dims))
	for i, d := range arr.Dims {
		dims[i] = strconv.Itoa(d)
	}
	n := xmlNode{Name: name, Type: string(arr.DType), Dims: strings.Join(dims, " ")}
	switch arr.DType {
	case h5.Int32:
		for _, v := range arr.Ints {
			n.Values = append(n.Values, strconv.FormatInt(int64(v), 10))
		}
	case h5.Float64:
		for _, v := range arr.Floats {
			n.Values = append(n.Values, dataset.FormatDouble(v))
		}
	default:
		n.Values = append(n.Values, arr.Strings...)
	}
	return n
}
