package matfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

const headerSize = 128

// Read parses a whole MAT-file. Unsupported arrays are skipped and reported
// through skipped.
func Read(r io.Reader) (vars []*Variable, skipped []string, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("matfile: failed to read: %w", err)
	}
	if len(raw) < headerSize {
		return nil, nil, fmt.Errorf("matfile: file shorter than header")
	}
	var order binary.ByteOrder
	switch string(raw[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("matfile: bad endian indicator %q", raw[126:128])
	}
	if v := order.Uint16(raw[124:126]); v != 0x0100 {
		return nil, nil, fmt.Errorf("matfile: unsupported version 0x%04x", v)
	}

	d := &decoder{order: order}
	buf := raw[headerSize:]
	for len(buf) > 0 {
		typ, body, rest, err := d.element(buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest

		if typ == miCOMPRESSED {
			zr, err := zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, nil, fmt.Errorf("matfile: failed to open compressed element: %w", err)
			}
			body, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("matfile: failed to inflate element: %w", err)
			}
			typ, body, _, err = d.element(body)
			if err != nil {
				return nil, nil, err
			}
		}
		if typ != miMATRIX {
			continue
		}
		v, err := d.matrix(body)
		if err != nil {
			if _, ok := err.(unsupportedError); ok {
				skipped = append(skipped, err.Error())
				continue
			}
			return nil, nil, err
		}
		vars = append(vars, v)
	}
	return vars, skipped, nil
}

type unsupportedError string

func (e unsupportedError) Error() string { return string(e) }

type decoder struct {
	order binary.ByteOrder
}

// element splits one data element off buf, handling the small element form.
func (d *decoder) element(buf []byte) (typ uint32, body, rest []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, nil, fmt.Errorf("matfile: truncated element tag")
	}
	first := d.order.Uint32(buf[0:4])
	if first>>16 != 0 {
		typ = first & 0xffff
		n := int(first >> 16)
		if n > 4 {
			return 0, nil, nil, fmt.Errorf("matfile: small element claims %d bytes", n)
		}
		return typ, buf[4 : 4+n], buf[8:], nil
	}
	typ = first
	n := int(d.order.Uint32(buf[4:8]))
	if n > len(buf)-8 {
		return 0, nil, nil, fmt.Errorf("matfile: element of %d bytes exceeds file", n)
	}
	end := 8 + n
	if typ != miCOMPRESSED {
		if pad := end % 8; pad != 0 {
			end += 8 - pad
		}
	}
	if end > len(buf) {
		end = len(buf)
	}
	return typ, buf[8 : 8+n], buf[end:], nil
}

func (d *decoder) matrix(body []byte) (*Variable, error) {
	v := &Variable{}
	if len(body) == 0 {
		// Empty cell element.
		v.Class = ClassDouble
		v.Dims = []int{0, 0}
		return v, nil
	}

	typ, flags, rest, err := d.element(body)
	if err != nil {
		return nil, err
	}
	if typ != miUINT32 || len(flags) < 8 {
		return nil, fmt.Errorf("matfile: malformed array flags")
	}
	word := d.order.Uint32(flags[0:4])
	v.Class = Class(word & 0xff)
	v.Logical = word&(flagLogical<<8) != 0
	complexValues := word&(flagComplex<<8) != 0

	typ, dims, rest, err := d.element(rest)
	if err != nil {
		return nil, err
	}
	if typ != miINT32 {
		return nil, fmt.Errorf("matfile: malformed dimensions")
	}
	for i := 0; i+4 <= len(dims); i += 4 {
		v.Dims = append(v.Dims, int(int32(d.order.Uint32(dims[i:]))))
	}

	_, name, rest, err := d.element(rest)
	if err != nil {
		return nil, err
	}
	v.Name = string(name)

	if complexValues {
		return nil, unsupportedError(fmt.Sprintf("variable %s: complex values are not supported", v.Name))
	}
	if len(v.Dims) > 2 {
		return nil, unsupportedError(fmt.Sprintf("variable %s: %d dimensions are not supported", v.Name, len(v.Dims)))
	}

	switch {
	case v.Class == ClassCell:
		n := v.Len()
		for i := 0; i < n; i++ {
			var cell []byte
			typ, cell, rest, err = d.element(rest)
			if err != nil {
				return nil, err
			}
			if typ != miMATRIX {
				return nil, fmt.Errorf("matfile: cell %d of %s is not an array", i, v.Name)
			}
			c, err := d.matrix(cell)
			if err != nil {
				return nil, err
			}
			v.Cells = append(v.Cells, c)
		}
	case v.Class == ClassSparse:
		var ir, jc, pr []byte
		var irType, jcType, prType uint32
		if irType, ir, rest, err = d.element(rest); err != nil {
			return nil, err
		}
		if jcType, jc, rest, err = d.element(rest); err != nil {
			return nil, err
		}
		if prType, pr, _, err = d.element(rest); err != nil {
			return nil, err
		}
		rowIndex, err := d.numbers(irType, ir)
		if err != nil {
			return nil, err
		}
		colPtr, err := d.numbers(jcType, jc)
		if err != nil {
			return nil, err
		}
		if v.Data, err = d.numbers(prType, pr); err != nil {
			return nil, err
		}
		_, cols := v.Rows()
		if len(colPtr) < cols+1 {
			return nil, fmt.Errorf("matfile: sparse %s has %d column pointers for %d columns", v.Name, len(colPtr), cols)
		}
		v.ColPtr = toInt32(colPtr[:cols+1])
		nnz := int(v.ColPtr[cols])
		if nnz > len(rowIndex) || nnz > len(v.Data) {
			return nil, fmt.Errorf("matfile: sparse %s is truncated", v.Name)
		}
		v.RowIndex = toInt32(rowIndex[:nnz])
		v.Data = v.Data[:nnz]
	case v.Class == ClassChar || v.Class == ClassDouble || v.Class == ClassSingle || v.Class.Integer():
		typ, values, _, err := d.element(rest)
		if err != nil {
			return nil, err
		}
		if typ == miUTF8 {
			v.Data = utf8Codes(values)
		} else if v.Data, err = d.numbers(typ, values); err != nil {
			return nil, err
		}
		if len(v.Data) != v.Len() {
			return nil, fmt.Errorf("matfile: %s holds %d values for dims %v", v.Name, len(v.Data), v.Dims)
		}
	default:
		return nil, unsupportedError(fmt.Sprintf("variable %s: class %s is not supported", v.Name, v.Class))
	}
	return v, nil
}

func (d *decoder) numbers(typ uint32, b []byte) ([]float64, error) {
	var size int
	switch typ {
	case miINT8, miUINT8:
		size = 1
	case miINT16, miUINT16, miUTF16:
		size = 2
	case miINT32, miUINT32, miSINGLE, miUTF32:
		size = 4
	case miDOUBLE, miINT64, miUINT64:
		size = 8
	default:
		return nil, fmt.Errorf("matfile: unsupported data type %d", typ)
	}
	out := make([]float64, len(b)/size)
	for i := range out {
		p := b[i*size:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(p[0]))
		case miUINT8:
			out[i] = float64(p[0])
		case miINT16:
			out[i] = float64(int16(d.order.Uint16(p)))
		case miUINT16, miUTF16:
			out[i] = float64(d.order.Uint16(p))
		case miINT32:
			out[i] = float64(int32(d.order.Uint32(p)))
		case miUINT32, miUTF32:
			out[i] = float64(d.order.Uint32(p))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(d.order.Uint32(p)))
		case miDOUBLE:
			out[i] = math.Float64frombits(d.order.Uint64(p))
		case miINT64:
			out[i] = float64(int64(d.order.Uint64(p)))
		case miUINT64:
			out[i] = float64(d.order.Uint64(p))
		}
	}
	return out, nil
}

func utf8Codes(b []byte) []float64 {
	runes := []rune(string(b))
	out := make([]float64, len(runes))
	for i, r := range runes {
		out[i] = float64(r)
	}
	return out
}

func toInt32(f []float64) []int32 {
	out := make([]int32, len(f))
	for i, v := range f {
		out[i] = int32(v)
	}
	return out
}
