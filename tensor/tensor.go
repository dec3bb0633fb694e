// Package tensor exposes the gradient value types used by the autograd
// engine: flat typed buffers with shape, dtype and device, plus the streams
// that order asynchronous device work.
package tensor

import "github.com/ember-ml/ember/internal/tensor"

// Value is a gradient carrier.
type Value = tensor.Value

// New creates a zero-initialized Value.
func New(shape Shape, dtype DataType, device Device) (*Value, error) {
	return tensor.New(shape, dtype, device)
}

// Shape represents the dimensions of a value.
type Shape = tensor.Shape

// DataType represents runtime type information.
type DataType = tensor.DataType

// Supported data types.
const (
	Float16 = tensor.Float16
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Bool    = tensor.Bool
)

// Device represents a compute device.
type Device = tensor.Device

// Supported compute devices.
const (
	CPU    = tensor.CPU
	CUDA   = tensor.CUDA
	Metal  = tensor.Metal
	WebGPU = tensor.WebGPU
)

// Stream is an ordered queue of device work.
type Stream = tensor.Stream

// NewStream creates a stream bound to a device.
func NewStream(device Device) *Stream {
	return tensor.NewStream(device)
}

// DefaultStream returns the memoized default stream for a device.
func DefaultStream(device Device) *Stream {
	return tensor.DefaultStream(device)
}

// Event marks a point in a stream's work queue.
type Event = tensor.Event

// Zeros creates a zero-filled value.
func Zeros(shape Shape, dtype DataType, device Device) (*Value, error) {
	return tensor.Zeros(shape, dtype, device)
}

// Ones creates a one-filled value.
func Ones(shape Shape, dtype DataType, device Device) (*Value, error) {
	return tensor.Ones(shape, dtype, device)
}

// Full creates a value filled with a scalar.
func Full(shape Shape, scalar float64, dtype DataType, device Device) (*Value, error) {
	return tensor.Full(shape, scalar, dtype, device)
}

// FromFloat32 creates a Float32 value from a slice. The data is copied.
func FromFloat32(data []float32, shape Shape, device Device) (*Value, error) {
	return tensor.FromFloat32(data, shape, device)
}

// FromFloat64 creates a Float64 value from a slice. The data is copied.
func FromFloat64(data []float64, shape Shape, device Device) (*Value, error) {
	return tensor.FromFloat64(data, shape, device)
}

// Add returns a + b elementwise as a new value.
func Add(a, b *Value) (*Value, error) {
	return tensor.Add(a, b)
}
