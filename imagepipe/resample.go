package imagepipe

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Resize rescales one row-major plane to rows x cols with bilinear
// interpolation. Samples are carried as 16-bit grey, so values must already
// be windowed into [0, 65535].
func Resize(data []float64, rows, cols, newRows, newCols int) ([]float64, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("Resize: %d values for %dx%d: %w", len(data), rows, cols, ErrShape)
	}
	if newRows <= 0 || newCols <= 0 {
		return nil, fmt.Errorf("Resize: target %dx%d: %w", newRows, newCols, ErrShape)
	}
	if rows == newRows && cols == newCols {
		return append([]float64(nil), data...), nil
	}

	src := image.NewGray16(image.Rect(0, 0, cols, rows))
	for i, v := range data {
		src.SetGray16(i%cols, i/cols, color.Gray16{Y: uint16(math.Round(clamp(v, 0, math.MaxUint16)))})
	}
	dst := image.NewGray16(image.Rect(0, 0, newCols, newRows))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float64, newRows*newCols)
	for y := 0; y < newRows; y++ {
		for x := 0; x < newCols; x++ {
			out[y*newCols+x] = float64(dst.Gray16At(x, y).Y)
		}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
