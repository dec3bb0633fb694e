package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents the compute device a value lives on.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	CUDA
	Metal
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case Metal:
		return "Metal"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// valueBuffer is a reference-counted shared buffer, so draining an
// accumulation buffer can hand a value to a worker without copying.
type valueBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex // For safe deallocation
}

func newValueBuffer(size int) *valueBuffer {
	buf := &valueBuffer{
		data: make([]byte, size),
	}
	buf.refCount.Store(1)
	return buf
}

func (vb *valueBuffer) addRef() {
	vb.refCount.Add(1)
}

func (vb *valueBuffer) release() {
	if vb.refCount.Add(-1) == 0 {
		vb.mu.Lock()
		defer vb.mu.Unlock()
		vb.data = nil
	}
}

// Value is a gradient carrier: a flat typed buffer plus shape, dtype and
// device. It is deliberately storage-only; derivative formulas and device
// kernels live outside the engine.
type Value struct {
	buffer *valueBuffer
	shape  Shape
	dtype  DataType
	device Device
	offset int
}

// New creates a zero-initialized Value with the given shape and type.
func New(shape Shape, dtype DataType, device Device) (*Value, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Value{
		buffer: newValueBuffer(shape.NumElements() * dtype.Size()),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}, nil
}

// Shape returns the value's shape.
func (v *Value) Shape() Shape {
	return v.shape
}

// DType returns the value's data type.
func (v *Value) DType() DataType {
	return v.dtype
}

// Device returns the value's compute device.
func (v *Value) Device() Device {
	return v.device
}

// NumElements returns the total number of elements.
func (v *Value) NumElements() int {
	return v.shape.NumElements()
}

// Data returns the raw byte slice.
func (v *Value) Data() []byte {
	return v.buffer.data[v.offset:]
}

// AsFloat16 interprets the data as raw IEEE 754 half-precision bits.
// Use float16.Frombits to decode individual elements.
// Panics if the value's dtype is not Float16.
func (v *Value) AsFloat16() []uint16 {
	if v.dtype != Float16 {
		panic(fmt.Sprintf("value dtype is %s, not float16", v.dtype))
	}
	data := v.buffer.data[v.offset:]
	return unsafe.Slice((*uint16)(unsafe.Pointer(&data[0])), v.NumElements())
}

// AsFloat32 interprets the data as []float32.
// Panics if the value's dtype is not Float32.
func (v *Value) AsFloat32() []float32 {
	if v.dtype != Float32 {
		panic(fmt.Sprintf("value dtype is %s, not float32", v.dtype))
	}
	data := v.buffer.data[v.offset:]
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), v.NumElements())
}

// AsFloat64 interprets the data as []float64.
// Panics if the value's dtype is not Float64.
func (v *Value) AsFloat64() []float64 {
	if v.dtype != Float64 {
		panic(fmt.Sprintf("value dtype is %s, not float64", v.dtype))
	}
	data := v.buffer.data[v.offset:]
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), v.NumElements())
}

// AsInt32 interprets the data as []int32.
// Panics if the value's dtype is not Int32.
func (v *Value) AsInt32() []int32 {
	if v.dtype != Int32 {
		panic(fmt.Sprintf("value dtype is %s, not int32", v.dtype))
	}
	data := v.buffer.data[v.offset:]
	return unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), v.NumElements())
}

// AsInt64 interprets the data as []int64.
// Panics if the value's dtype is not Int64.
func (v *Value) AsInt64() []int64 {
	if v.dtype != Int64 {
		panic(fmt.Sprintf("value dtype is %s, not int64", v.dtype))
	}
	data := v.buffer.data[v.offset:]
	return unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), v.NumElements())
}

// Clone creates a shallow copy sharing the refcounted buffer.
func (v *Value) Clone() *Value {
	v.buffer.addRef()
	return &Value{
		buffer: v.buffer,
		shape:  v.shape.Clone(),
		dtype:  v.dtype,
		device: v.device,
		offset: v.offset,
	}
}

// Release decrements the reference count and deallocates at zero.
func (v *Value) Release() {
	v.buffer.release()
}
