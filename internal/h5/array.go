package h5

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// DType is the element type of a stored array.
type DType string

const (
	Int32   DType = "int32"
	Float64 DType = "float64"
	String  DType = "string"
)

// Array is an n-dimensional row-major array. Exactly one of the value slices
// is used, matching DType.
type Array struct {
	DType   DType
	Dims    []int
	Ints    []int32
	Floats  []float64
	Strings []string
}

// Len returns the number of elements.
func (a *Array) Len() int {
	switch a.DType {
	case Int32:
		return len(a.Ints)
	case Float64:
		return len(a.Floats)
	default:
		return len(a.Strings)
	}
}

// IntArray builds a 1-D int32 array.
func IntArray(v []int32) *Array { return &Array{DType: Int32, Dims: []int{len(v)}, Ints: v} }

// FloatArray builds a 1-D float64 array.
func FloatArray(v []float64) *Array { return &Array{DType: Float64, Dims: []int{len(v)}, Floats: v} }

// StringArray builds a 1-D string array.
func StringArray(v []string) *Array {
	if v == nil {
		v = []string{}
	}
	return &Array{DType: String, Dims: []int{len(v)}, Strings: v}
}

// Scalar attribute helpers.

func IntScalar(v int64) *Array { return &Array{DType: Int32, Dims: []int{}, Ints: []int32{int32(v)}} }

func StringScalar(v string) *Array {
	return &Array{DType: String, Dims: []int{}, Strings: []string{v}}
}

func encodeArray(a *Array) (string, []byte, error) {
	want := 1
	for _, d := range a.Dims {
		want *= d
	}
	if a.Len() != want {
		return "", nil, fmt.Errorf("%d elements do not fill dims %v", a.Len(), a.Dims)
	}
	dims, err := json.Marshal(a.Dims)
	if err != nil {
		return "", nil, err
	}

	var buf []byte
	switch a.DType {
	case Int32:
		buf = make([]byte, 4*len(a.Ints))
		for i, v := range a.Ints {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
		}
	case Float64:
		buf = make([]byte, 8*len(a.Floats))
		for i, v := range a.Floats {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	case String:
		for _, s := range a.Strings {
			buf = binary.AppendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
		}
	default:
		return "", nil, fmt.Errorf("unknown dtype %q", a.DType)
	}
	return string(dims), buf, nil
}

func decodeArray(dtype DType, rawDims string, buf []byte) (*Array, error) {
	var dims []int
	if err := json.Unmarshal([]byte(rawDims), &dims); err != nil {
		return nil, fmt.Errorf("corrupt dims %q: %w", rawDims, err)
	}
	n := 1
	for _, d := range dims {
		n *= d
	}

	a := &Array{DType: dtype, Dims: dims}
	switch dtype {
	case Int32:
		if len(buf) != 4*n {
			return nil, fmt.Errorf("int32 payload has %d bytes for %d elements", len(buf), n)
		}
		a.Ints = make([]int32, n)
		for i := range a.Ints {
			a.Ints[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case Float64:
		if len(buf) != 8*n {
			return nil, fmt.Errorf("float64 payload has %d bytes for %d elements", len(buf), n)
		}
		a.Floats = make([]float64, n)
		for i := range a.Floats {
			a.Floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
	case String:
		a.Strings = make([]string, 0, n)
		for len(buf) > 0 {
			l, k := binary.Uvarint(buf)
			if k <= 0 || uint64(len(buf)-k) < l {
				return nil, fmt.Errorf("truncated string payload")
			}
			a.Strings = append(a.Strings, string(buf[k:k+int(l)]))
			buf = buf[k+int(l):]
		}
		if len(a.Strings) != n {
			return nil, fmt.Errorf("string payload has %d elements, dims say %d", len(a.Strings), n)
		}
	default:
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
	return a, nil
}
