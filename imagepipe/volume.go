package imagepipe

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidTarget is returned for a non-positive subsample target.
	ErrInvalidTarget = errors.New("invalid target sample size")
	// ErrDegenerateRange is returned by Scale when every value is equal.
	ErrDegenerateRange = errors.New("degenerate value range")
	// ErrShape is returned when data length does not match the declared shape.
	ErrShape = errors.New("shape mismatch")
)

// Volume is a stack of equally sized 2-D slices stored contiguously,
// slice-major then row-major.
type Volume struct {
	Slices, Rows, Cols int
	Data               []float64
}

// NewVolume stacks planes of identical size.
func NewVolume(rows, cols int, planes ...[]float64) (Volume, error) {
	v := Volume{Slices: len(planes), Rows: rows, Cols: cols, Data: make([]float64, 0, len(planes)*rows*cols)}
	for i, p := range planes {
		if len(p) != rows*cols {
			return Volume{}, fmt.Errorf("NewVolume: slice %d has %d values, want %d: %w", i, len(p), rows*cols, ErrShape)
		}
		v.Data = append(v.Data, p...)
	}
	return v, nil
}

func (v Volume) sliceLen() int { return v.Rows * v.Cols }

// Slice returns slice i without copying.
func (v Volume) Slice(i int) []float64 {
	n := v.sliceLen()
	return v.Data[i*n : (i+1)*n]
}

// Subsample returns a volume with exactly target slices. Short volumes are
// padded symmetrically with zero slices (the extra one goes on the right);
// long volumes keep target evenly spaced slices across [0, n-1].
func Subsample(v Volume, target int) (Volume, error) {
	if target <= 0 {
		return Volume{}, fmt.Errorf("Subsample: %d: %w", target, ErrInvalidTarget)
	}
	n := v.sliceLen()
	out := Volume{Slices: target, Rows: v.Rows, Cols: v.Cols, Data: make([]float64, target*n)}

	switch {
	case v.Slices == target:
		copy(out.Data, v.Data)
	case v.Slices < target:
		left := (target - v.Slices) / 2
		copy(out.Data[left*n:], v.Data[:v.Slices*n])
	default:
		for i, src := range sampleIndices(v.Slices, target) {
			copy(out.Data[i*n:(i+1)*n], v.Slice(src))
		}
	}
	return out, nil
}

// sampleIndices returns target indices linearly spaced over [0, n-1].
// For n > target the step exceeds one, so indices are distinct.
func sampleIndices(n, target int) []int {
	idx := make([]int, target)
	if target == 1 {
		return idx
	}
	step := float64(n-1) / float64(target-1)
	for i := range idx {
		idx[i] = int(math.Round(float64(i) * step))
	}
	return idx
}

// Scale linearly maps the volume's [min, max] onto [lo, hi].
func Scale(v Volume, lo, hi float64) (Volume, error) {
	if len(v.Data) == 0 {
		return Volume{}, fmt.Errorf("Scale: empty volume: %w", ErrDegenerateRange)
	}
	dMin, dMax := v.Data[0], v.Data[0]
	for _, x := range v.Data {
		dMin = math.Min(dMin, x)
		dMax = math.Max(dMax, x)
	}
	if dMax == dMin {
		return Volume{}, fmt.Errorf("Scale: min == max == %v: %w", dMin, ErrDegenerateRange)
	}
	out := v
	out.Data = make([]float64, len(v.Data))
	k := (hi - lo) / (dMax - dMin)
	for i, x := range v.Data {
		out.Data[i] = (x-dMin)*k + lo
	}
	return out, nil
}
