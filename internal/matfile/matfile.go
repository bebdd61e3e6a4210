// Package matfile reads and writes MATLAB level 5 MAT-files.
//
// Supported arrays: numeric classes (double, single, int8..uint64, logical),
// char, cell and sparse. Struct and object arrays are skipped on read.
// Compressed elements are inflated transparently.
package matfile

import "fmt"

// Data element types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
	miUTF16      = 17
	miUTF32      = 18
)

// Class is the MATLAB array class.
type Class uint8

const (
	ClassCell   Class = 1
	ClassStruct Class = 2
	ClassObject Class = 3
	ClassChar   Class = 4
	ClassSparse Class = 5
	ClassDouble Class = 6
	ClassSingle Class = 7
	ClassInt8   Class = 8
	ClassUint8  Class = 9
	ClassInt16  Class = 10
	ClassUint16 Class = 11
	ClassInt32  Class = 12
	ClassUint32 Class = 13
	ClassInt64  Class = 14
	ClassUint64 Class = 15
)

const (
	flagLogical = 0x02
	flagComplex = 0x08
)

func (c Class) String() string {
	switch c {
	case ClassCell:
		return "cell"
	case ClassStruct:
		return "struct"
	case ClassObject:
		return "object"
	case ClassChar:
		return "char"
	case ClassSparse:
		return "sparse"
	case ClassDouble:
		return "double"
	case ClassSingle:
		return "single"
	case ClassInt8:
		return "int8"
	case ClassUint8:
		return "uint8"
	case ClassInt16:
		return "int16"
	case ClassUint16:
		return "uint16"
	case ClassInt32:
		return "int32"
	case ClassUint32:
		return "uint32"
	case ClassInt64:
		return "int64"
	case ClassUint64:
		return "uint64"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Integer reports whether c is an integer class.
func (c Class) Integer() bool {
	return c >= ClassInt8 && c <= ClassUint64
}

// Variable is one named array. Values are column-major. Numeric and char
// arrays use Data (char arrays hold code points); cell arrays use Cells;
// sparse arrays use Data with RowIndex and ColPtr in CSC layout.
type Variable struct {
	Name     string
	Class    Class
	Dims     []int
	Logical  bool
	Data     []float64
	Cells    []*Variable
	RowIndex []int32
	ColPtr   []int32
}

// Len returns the product of the dimensions.
func (v *Variable) Len() int {
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// Rows returns (rows, cols) of a 2-D variable.
func (v *Variable) Rows() (int, int) {
	switch len(v.Dims) {
	case 0:
		return 0, 0
	case 1:
		return v.Dims[0], 1
	}
	return v.Dims[0], v.Dims[1]
}

// Strings decodes a char array into one string per row.
func (v *Variable) Strings() []string {
	rows, cols := v.Rows()
	out := make([]string, rows)
	for i := 0; i < rows; i++ {
		runes := make([]rune, cols)
		for j := 0; j < cols; j++ {
			runes[j] = rune(v.Data[j*rows+i])
		}
		out[i] = string(runes)
	}
	return out
}

// NewDouble builds a double matrix from row-major values.
func NewDouble(name string, rows, cols int, rowMajor []float64) *Variable {
	return &Variable{Name: name, Class: ClassDouble, Dims: []int{rows, cols}, Data: transpose(rowMajor, rows, cols)}
}

// NewInt32 builds an int32 matrix from row-major values.
func NewInt32(name string, rows, cols int, rowMajor []int32) *Variable {
	f := make([]float64, len(rowMajor))
	for i, v := range rowMajor {
		f[i] = float64(v)
	}
	return &Variable{Name: name, Class: ClassInt32, Dims: []int{rows, cols}, Data: transpose(f, rows, cols)}
}

// NewString builds a 1xN char array.
func NewString(name, s string) *Variable {
	runes := []rune(s)
	data := make([]float64, len(runes))
	for i, r := range runes {
		data[i] = float64(r)
	}
	return &Variable{Name: name, Class: ClassChar, Dims: []int{1, len(runes)}, Data: data}
}

// NewCellStrings builds a cell array of char rows from row-major strings.
func NewCellStrings(name string, rows, cols int, rowMajor []string) *Variable {
	cells := make([]*Variable, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			cells[j*rows+i] = NewString("", rowMajor[i*cols+j])
		}
	}
	return &Variable{Name: name, Class: ClassCell, Dims: []int{rows, cols}, Cells: cells}
}

// NewSparse builds a sparse double matrix from CSC arrays.
func NewSparse(name string, rows, cols int, data []float64, rowIndex, colPtr []int32) *Variable {
	return &Variable{
		Name:     name,
		Class:    ClassSparse,
		Dims:     []int{rows, cols},
		Data:     data,
		RowIndex: rowIndex,
		ColPtr:   colPtr,
	}
}

// RowMajor returns Data reordered row-major.
func (v *Variable) RowMajor() []float64 {
	rows, cols := v.Rows()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = v.Data[j*rows+i]
		}
	}
	return out
}

func transpose(rowMajor []float64, rows, cols int) []float64 {
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = rowMajor[i*cols+j]
		}
	}
	return out
}
