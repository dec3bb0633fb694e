// Package tensor provides the gradient value types for the Ember autograd engine.
//
// The engine treats numeric kernels and device storage as external
// collaborators; this package carries only what gradient propagation needs:
// a refcounted value type, shapes, dtypes, devices, and the elementwise
// accumulation used when several gradients arrive for the same input slot.
package tensor

// DataType represents runtime type information for values.
type DataType int

// Supported data types.
const (
	Float16 DataType = iota
	Float32
	Float64
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the data type is a floating point type.
// Gradient accumulation is only defined for float types.
func (dt DataType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}
