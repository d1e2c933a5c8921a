package imagepipe

import "fmt"

// Tensor is the model input: shape [slices, channels, rows, cols], float64
// so no precision is lost before the predictor decides its own dtype.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Len is the number of elements implied by Shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ToTensor replicates the grey channel of v into channels planes.
func ToTensor(v Volume, channels int) (*Tensor, error) {
	if channels < 1 {
		return nil, fmt.Errorf("ToTensor: channels %d: %w", channels, ErrShape)
	}
	if len(v.Data) != v.Slices*v.sliceLen() {
		return nil, fmt.Errorf("ToTensor: %d values for %dx%dx%d: %w", len(v.Data), v.Slices, v.Rows, v.Cols, ErrShape)
	}
	n := v.sliceLen()
	t := &Tensor{
		Shape: []int{v.Slices, channels, v.Rows, v.Cols},
		Data:  make([]float64, 0, v.Slices*channels*n),
	}
	for s := 0; s < v.Slices; s++ {
		for c := 0; c < channels; c++ {
			t.Data = append(t.Data, v.Slice(s)...)
		}
	}
	return t, nil
}
