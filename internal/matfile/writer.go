package matfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
)

// WriteOptions controls Write.
type WriteOptions struct {
	// Compress stores every variable in a zlib-compressed element.
	Compress bool
	// Description replaces the default header text.
	Description string
}

// Write emits a little-endian level 5 MAT-file holding vars.
func Write(w io.Writer, vars []*Variable, opts WriteOptions) error {
	header := make([]byte, headerSize)
	desc := opts.Description
	if desc == "" {
		desc = "MATLAB 5.0 MAT-file, Platform: GLNXA64, Created by: mldata"
	}
	if !strings.HasPrefix(desc, "MATLAB 5.0 MAT-file") {
		desc = "MATLAB 5.0 MAT-file, " + desc
	}
	if len(desc) > 116 {
		desc = desc[:116]
	}
	copy(header, strings.Repeat(" ", 116))
	copy(header, desc)
	binary.LittleEndian.PutUint16(header[124:], 0x0100)
	copy(header[126:], "IM")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("matfile: failed to write header: %w", err)
	}

	for _, v := range vars {
		var body bytes.Buffer
		if err := writeMatrix(&body, v); err != nil {
			return err
		}
		out := body.Bytes()
		if opts.Compress {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			if _, err := zw.Write(out); err != nil {
				return fmt.Errorf("matfile: failed to compress %s: %w", v.Name, err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("matfile: failed to compress %s: %w", v.Name, err)
			}
			var tag [8]byte
			binary.LittleEndian.PutUint32(tag[0:], miCOMPRESSED)
			binary.LittleEndian.PutUint32(tag[4:], uint32(z.Len()))
			out = append(tag[:], z.Bytes()...)
		}
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("matfile: failed to write %s: %w", v.Name, err)
		}
	}
	return nil
}

// writeMatrix writes one miMATRIX element, tag included.
func writeMatrix(buf *bytes.Buffer, v *Variable) error {
	var sub bytes.Buffer

	var flags [8]byte
	word := uint32(v.Class)
	if v.Logical {
		word |= flagLogical << 8
	}
	binary.LittleEndian.PutUint32(flags[0:], word)
	if v.Class == ClassSparse {
		binary.LittleEndian.PutUint32(flags[4:], uint32(max(len(v.Data), 1)))
	}
	writeElement(&sub, miUINT32, flags[:])

	dims := make([]byte, 4*len(v.Dims))
	for i, d := range v.Dims {
		binary.LittleEndian.PutUint32(dims[4*i:], uint32(int32(d)))
	}
	writeElement(&sub, miINT32, dims)
	writeElement(&sub, miINT8, []byte(v.Name))

	switch {
	case v.Class == ClassCell:
		if len(v.Cells) != v.Len() {
			return fmt.Errorf("matfile: cell %s has %d cells for dims %v", v.Name, len(v.Cells), v.Dims)
		}
		for _, c := range v.Cells {
			if err := writeMatrix(&sub, c); err != nil {
				return err
			}
		}
	case v.Class == ClassSparse:
		writeElement(&sub, miINT32, int32Bytes(v.RowIndex))
		writeElement(&sub, miINT32, int32Bytes(v.ColPtr))
		writeElement(&sub, miDOUBLE, float64Bytes(v.Data))
	case v.Class == ClassChar:
		units := make([]rune, len(v.Data))
		for i, c := range v.Data {
			units[i] = rune(c)
		}
		encoded := utf16.Encode(units)
		if len(encoded) != len(units) {
			return fmt.Errorf("matfile: %s holds characters outside the basic plane", v.Name)
		}
		b := make([]byte, 2*len(encoded))
		for i, u := range encoded {
			binary.LittleEndian.PutUint16(b[2*i:], u)
		}
		writeElement(&sub, miUINT16, b)
	case v.Class == ClassInt32 || v.Logical:
		ints := make([]int32, len(v.Data))
		for i, f := range v.Data {
			ints[i] = int32(f)
		}
		if v.Logical {
			b := make([]byte, len(ints))
			for i, x := range ints {
				b[i] = byte(x)
			}
			writeElement(&sub, miUINT8, b)
		} else {
			writeElement(&sub, miINT32, int32Bytes(ints))
		}
	case v.Class == ClassDouble:
		writeElement(&sub, miDOUBLE, float64Bytes(v.Data))
	default:
		return fmt.Errorf("matfile: writing class %s is not supported", v.Class)
	}

	writeElement(buf, miMATRIX, sub.Bytes())
	return nil
}

func writeElement(buf *bytes.Buffer, typ uint32, data []byte) {
	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[0:], typ)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(data)))
	buf.Write(tag[:])
	buf.Write(data)
	if pad := len(data) % 8; pad != 0 {
		buf.Write(make([]byte, 8-pad))
	}
}

func int32Bytes(v []int32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(x))
	}
	return b
}

func float64Bytes(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}
