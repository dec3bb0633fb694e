package tensor

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"

	"github.com/ember-ml/ember/internal/parallel"
)

// Zeros creates a zero-filled value.
func Zeros(shape Shape, dtype DataType, device Device) (*Value, error) {
	return New(shape, dtype, device)
}

// ZerosLike creates a zero-filled value matching v's shape, dtype and device.
func ZerosLike(v *Value) (*Value, error) {
	return New(v.Shape(), v.DType(), v.Device())
}

// Ones creates a one-filled value.
func Ones(shape Shape, dtype DataType, device Device) (*Value, error) {
	return Full(shape, 1.0, dtype, device)
}

// OnesLike creates a one-filled value matching v's shape, dtype and device.
func OnesLike(v *Value) (*Value, error) {
	return Full(v.Shape(), 1.0, v.DType(), v.Device())
}

// Full creates a value filled with a scalar.
func Full(shape Shape, scalar float64, dtype DataType, device Device) (*Value, error) {
	v, err := New(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float16:
		bits := float16.Fromfloat32(float32(scalar)).Bits()
		data := v.AsFloat16()
		for i := range data {
			data[i] = bits
		}
	case Float32:
		data := v.AsFloat32()
		for i := range data {
			data[i] = float32(scalar)
		}
	case Float64:
		data := v.AsFloat64()
		for i := range data {
			data[i] = scalar
		}
	default:
		return nil, fmt.Errorf("full: unsupported dtype %s", dtype)
	}
	return v, nil
}

// FromFloat32 creates a Float32 value from a slice. The data is copied.
func FromFloat32(data []float32, shape Shape, device Device) (*Value, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	v, err := New(shape, Float32, device)
	if err != nil {
		return nil, err
	}
	copy(v.AsFloat32(), data)
	return v, nil
}

// FromFloat64 creates a Float64 value from a slice. The data is copied.
func FromFloat64(data []float64, shape Shape, device Device) (*Value, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	v, err := New(shape, Float64, device)
	if err != nil {
		return nil, err
	}
	copy(v.AsFloat64(), data)
	return v, nil
}

// Add returns a + b elementwise as a new value. Neither input is modified,
// which keeps accumulation order-independent for a fixed stream pair.
func Add(a, b *Value) (*Value, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("add: shape mismatch %s vs %s", a.Shape(), b.Shape())
	}
	if a.DType() != b.DType() {
		return nil, fmt.Errorf("add: dtype mismatch %s vs %s", a.DType(), b.DType())
	}
	out, err := New(a.Shape(), a.DType(), a.Device())
	if err != nil {
		return nil, err
	}
	cfg := parallel.DefaultConfig()
	switch a.DType() {
	case Float16:
		av, bv, ov := a.AsFloat16(), b.AsFloat16(), out.AsFloat16()
		parallel.For(len(ov), func(i int) {
			sum := float16.Frombits(av[i]).Float32() + float16.Frombits(bv[i]).Float32()
			ov[i] = float16.Fromfloat32(sum).Bits()
		}, cfg)
	case Float32:
		av, bv, ov := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
		parallel.For(len(ov), func(i int) {
			ov[i] = av[i] + bv[i]
		}, cfg)
	case Float64:
		floats.AddTo(out.AsFloat64(), a.AsFloat64(), b.AsFloat64())
	default:
		return nil, fmt.Errorf("add: unsupported dtype %s", a.DType())
	}
	return out, nil
}
