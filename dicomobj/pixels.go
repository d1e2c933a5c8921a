package dicomobj

import (
	"fmt"
	"image"
	"image/color"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Plane is one decoded frame in modality units (rescale slope/intercept
// applied), row-major.
type Plane struct {
	Rows, Cols int
	Data       []float64
}

// MinMax returns the smallest and largest sample.
func (p *Plane) MinMax() (float64, float64) {
	if len(p.Data) == 0 {
		return 0, 0
	}
	lo, hi := p.Data[0], p.Data[0]
	for _, v := range p.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Pixels decodes the first frame of the object. The header parse done by
// Parse skips pixel data, so this reparses the payload.
func (o *ImageObject) Pixels() (*Plane, error) {
	ds, err := parseDataset(o.raw, false)
	if err != nil {
		return nil, fmt.Errorf("Pixels(%s): %v: %w", o.name, err, ErrMalformed)
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, fmt.Errorf("Pixels(%s): %w", o.name, ErrNoPixelData)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("Pixels(%s): %w", o.name, ErrNoPixelData)
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("Pixels(%s): GetImage: %w", o.name, err)
	}
	return PlaneFromImage(img, o.tags.PixelRepresentation == 1, o.tags.RescaleSlope, o.tags.RescaleIntercept), nil
}

// PlaneFromImage converts a decoded frame into modality units. signed
// reinterprets 16-bit samples as two's complement.
func PlaneFromImage(img image.Image, signed bool, slope, intercept float64) *Plane {
	if slope == 0 {
		slope = 1
	}
	b := img.Bounds()
	p := &Plane{Rows: b.Dy(), Cols: b.Dx(), Data: make([]float64, b.Dx()*b.Dy())}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var raw float64
			switch im := img.(type) {
			case *image.Gray16:
				u := im.Gray16At(x, y).Y
				if signed {
					raw = float64(int16(u))
				} else {
					raw = float64(u)
				}
			case *image.Gray:
				raw = float64(im.GrayAt(x, y).Y)
			default:
				raw = float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
			}
			p.Data[(y-b.Min.Y)*p.Cols+(x-b.Min.X)] = raw*slope + intercept
		}
	}
	return p
}
