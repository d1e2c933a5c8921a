package dicomobj

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaneFromImageAppliesRescale(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 2))
	img.SetGray16(0, 0, color.Gray16{Y: 0})
	img.SetGray16(1, 0, color.Gray16{Y: 1000})
	img.SetGray16(0, 1, color.Gray16{Y: 2000})
	img.SetGray16(1, 1, color.Gray16{Y: 0xFFFF}) // -1 when signed

	p := PlaneFromImage(img, true, 1, -1024)
	assert.Equal(t, 2, p.Rows)
	assert.Equal(t, 2, p.Cols)
	assert.Equal(t, []float64{-1024, -24, 976, -1025}, p.Data)

	lo, hi := p.MinMax()
	assert.Equal(t, -1025.0, lo)
	assert.Equal(t, 976.0, hi)

	u := PlaneFromImage(img, false, 0, 0)
	assert.Equal(t, 65535.0, u.Data[3])
}
