package imagepipe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reginabarzilaygroup/ark/dicomobj"
)

// ErrEmptySeries is returned when no image in the series survives decoding.
var ErrEmptySeries = errors.New("no decodable images in series")

// WindowMode chooses where window center/width come from.
type WindowMode string

const (
	// WindowTags uses WindowCenter/WindowWidth from the header and falls back
	// to the pixel range.
	WindowTags WindowMode = "tags"
	// WindowAuto uses a fixed lung window (center -600, width 1500).
	WindowAuto WindowMode = "auto"
	// WindowRange always derives the window from the pixel range.
	WindowRange WindowMode = "range"
)

const (
	autoCenter = -600
	autoWidth  = 1500
)

// Config fixes the tensor layout produced by the pipeline.
type Config struct {
	WindowMode WindowMode `yaml:"window_mode"`
	BitDepth   int        `yaml:"bit_depth"`
	Rows       int        `yaml:"rows"`
	Cols       int        `yaml:"cols"`
	SampleSize int        `yaml:"sample_size"`
	Channels   int        `yaml:"channels"`
	ScaleMin   float64    `yaml:"scale_min"`
	ScaleMax   float64    `yaml:"scale_max"`
	// Mean/Std normalize after scaling when Std > 0.
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
}

// MammographyConfig is the four-view mammography layout.
func MammographyConfig() Config {
	return Config{
		WindowMode: WindowTags,
		BitDepth:   16,
		Rows:       2048,
		Cols:       1664,
		SampleSize: 4,
		Channels:   3,
		Mean:       7047.99,
		Std:        12005.5,
	}
}

// CTConfig is the low-dose chest CT layout.
func CTConfig() Config {
	return Config{
		WindowMode: WindowAuto,
		BitDepth:   16,
		Rows:       256,
		Cols:       256,
		SampleSize: 200,
		Channels:   3,
		ScaleMin:   0,
		ScaleMax:   1,
	}
}

// Validate checks the config before any image is touched.
func (c Config) Validate() error {
	switch c.WindowMode {
	case WindowTags, WindowAuto, WindowRange:
	default:
		return fmt.Errorf("window mode %q: %w", c.WindowMode, ErrInvalidWindow)
	}
	if c.BitDepth < 1 || c.BitDepth > 16 {
		return fmt.Errorf("bit depth %d: %w", c.BitDepth, ErrInvalidWindow)
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("sample size %d: %w", c.SampleSize, ErrInvalidTarget)
	}
	if c.Channels <= 0 || c.Rows < 0 || c.Cols < 0 {
		return fmt.Errorf("layout %dx%dx%d: %w", c.Channels, c.Rows, c.Cols, ErrShape)
	}
	return nil
}

// ItemError is an image excluded from the tensor.
type ItemError struct {
	Index int
	Name  string
	Err   error
}

func (e ItemError) Error() string { return fmt.Sprintf("image %d (%s): %v", e.Index, e.Name, e.Err) }

// Pipeline turns an assembled series into a Tensor.
type Pipeline struct {
	cfg Config
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("imagepipe.New: %w", err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Apply decodes, windows and resizes every image, then subsamples, scales
// and packs the stack. Images that fail to decode are skipped and returned
// as ItemErrors; the tensor always has SampleSize slices.
func (p *Pipeline) Apply(ctx context.Context, series *dicomobj.Series) (*Tensor, []ItemError, error) {
	var planes [][]float64
	var skipped []ItemError
	rows, cols := p.cfg.Rows, p.cfg.Cols

	for _, obj := range series.Objects {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		plane, err := p.prepare(obj, &rows, &cols)
		if err != nil {
			skipped = append(skipped, ItemError{Index: obj.Index(), Name: obj.Name(), Err: err})
			continue
		}
		planes = append(planes, plane)
	}
	if len(planes) == 0 {
		return nil, skipped, ErrEmptySeries
	}

	vol, err := NewVolume(rows, cols, planes...)
	if err != nil {
		return nil, skipped, err
	}
	if vol, err = Subsample(vol, p.cfg.SampleSize); err != nil {
		return nil, skipped, err
	}
	if p.cfg.ScaleMax > p.cfg.ScaleMin {
		if vol, err = Scale(vol, p.cfg.ScaleMin, p.cfg.ScaleMax); err != nil {
			return nil, skipped, err
		}
	}
	if p.cfg.Std > 0 {
		vol = Normalize(vol, p.cfg.Mean, p.cfg.Std)
	}
	t, err := ToTensor(vol, p.cfg.Channels)
	return t, skipped, err
}

// prepare decodes and windows one image. When the config leaves rows/cols
// at zero the first image fixes the size and later ones must match it.
func (p *Pipeline) prepare(obj *dicomobj.ImageObject, rows, cols *int) ([]float64, error) {
	plane, err := obj.Pixels()
	if err != nil {
		return nil, err
	}
	center, width, voi, err := p.window(obj.Tags(), plane)
	if err != nil {
		return nil, err
	}
	windowed, err := ApplyWindowing(plane.Data, center, width, p.cfg.BitDepth, voi)
	if err != nil {
		return nil, err
	}
	if *rows == 0 || *cols == 0 {
		*rows, *cols = plane.Rows, plane.Cols
	}
	return Resize(windowed, plane.Rows, plane.Cols, *rows, *cols)
}

func (p *Pipeline) window(t dicomobj.Tags, plane *dicomobj.Plane) (float64, float64, VOIFunction, error) {
	voi, err := ParseVOIFunction(t.VOILUTFunction)
	if err != nil {
		return 0, 0, 0, err
	}
	mode := p.cfg.WindowMode
	// GE writes display windows tuned for its own VOI LUT; always honour them.
	if strings.HasPrefix(strings.ToUpper(t.Manufacturer), "GE") {
		mode = WindowTags
	}
	switch mode {
	case WindowAuto:
		return autoCenter, autoWidth, voi, nil
	case WindowTags:
		if len(t.WindowCenter) > 0 && len(t.WindowWidth) > 0 && t.WindowWidth[0] >= 1 {
			return t.WindowCenter[0], t.WindowWidth[0], voi, nil
		}
	}
	lo, hi := plane.MinMax()
	return (lo + hi + 1) / 2, hi - lo + 1, voi, nil
}

// Normalize returns (x-mean)/std for every element.
func Normalize(v Volume, mean, std float64) Volume {
	out := v
	out.Data = make([]float64, len(v.Data))
	for i, x := range v.Data {
		out.Data[i] = (x - mean) / std
	}
	return out
}
