package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element types understood by the typed Array accessors.
// Data is always little-endian, matching the layout numeric array libraries use on common hardware.
const (
	Float64 = "float64"
	Float32 = "float32"
	Int64   = "int64"
	Uint8   = "uint8"
)

// Array is a dense numeric array. Its Data travels as a raw buffer next to the
// encoded message rather than through the structured encoder.
type Array struct {
	DType string
	Shape []int
	Data  []byte
}

func itemSize(dtype string) (int, error) {
	switch dtype {
	case Float64, Int64:
		return 8, nil
	case Float32:
		return 4, nil
	case Uint8:
		return 1, nil
	default:
		return 0, fmt.Errorf("wire: unsupported dtype %q", dtype)
	}
}

// Len is the number of elements described by Shape.
func (a Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks that Data holds exactly Len elements of DType.
func (a Array) Validate() error {
	size, err := itemSize(a.DType)
	if err != nil {
		return err
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("wire: array shape %v has a negative dimension", a.Shape)
		}
	}
	if want := a.Len() * size; want != len(a.Data) {
		return fmt.Errorf("wire: %s array of shape %v needs %d bytes, has %d", a.DType, a.Shape, want, len(a.Data))
	}
	return nil
}

func shapeOr(n int, shape []int) []int {
	if len(shape) == 0 {
		return []int{n}
	}
	return shape
}

func Float64Array(vals []float64, shape ...int) Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return Array{DType: Float64, Shape: shapeOr(len(vals), shape), Data: data}
}

func Float32Array(vals []float32, shape ...int) Array {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Array{DType: Float32, Shape: shapeOr(len(vals), shape), Data: data}
}

func Int64Array(vals []int64, shape ...int) Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return Array{DType: Int64, Shape: shapeOr(len(vals), shape), Data: data}
}

func (a Array) check(dtype string) error {
	if a.DType != dtype {
		return fmt.Errorf("wire: array has dtype %s, not %s", a.DType, dtype)
	}
	return a.Validate()
}

func (a Array) Float64s() ([]float64, error) {
	if err := a.check(Float64); err != nil {
		return nil, err
	}
	out := make([]float64, len(a.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

func (a Array) Float32s() ([]float32, error) {
	if err := a.check(Float32); err != nil {
		return nil, err
	}
	out := make([]float32, len(a.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out, nil
}

func (a Array) Int64s() ([]int64, error) {
	if err := a.check(Int64); err != nil {
		return nil, err
	}
	out := make([]int64, len(a.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}
