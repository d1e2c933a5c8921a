package imagepipe

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnknownVOIFunction is returned for VOI LUT functions other than
	// LINEAR and SIGMOID.
	ErrUnknownVOIFunction = errors.New("unknown VOI LUT function")
	// ErrInvalidWindow is returned for non-positive widths or bit depths.
	ErrInvalidWindow = errors.New("invalid window")
)

// VOIFunction selects the windowing curve, (0028,1056) VOILUTFunction.
type VOIFunction int

const (
	VOILinear VOIFunction = iota
	VOISigmoid
)

func (f VOIFunction) String() string {
	switch f {
	case VOILinear:
		return "LINEAR"
	case VOISigmoid:
		return "SIGMOID"
	default:
		return fmt.Sprintf("VOIFunction(%d)", int(f))
	}
}

// ParseVOIFunction maps a tag value to a VOIFunction; empty means LINEAR.
func ParseVOIFunction(s string) (VOIFunction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LINEAR":
		return VOILinear, nil
	case "SIGMOID":
		return VOISigmoid, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrUnknownVOIFunction)
	}
}

// ApplyWindowing maps raw intensities to [0, 2^bitDepth-1]. It returns a new
// slice; data is not modified.
func ApplyWindowing(data []float64, center, width float64, bitDepth int, voi VOIFunction) ([]float64, error) {
	if bitDepth < 1 || bitDepth > 32 {
		return nil, fmt.Errorf("ApplyWindowing: bit depth %d: %w", bitDepth, ErrInvalidWindow)
	}
	yMin := 0.0
	yMax := math.Exp2(float64(bitDepth)) - 1
	yRange := yMax - yMin
	out := make([]float64, len(data))

	switch voi {
	case VOILinear:
		if width < 1 {
			return nil, fmt.Errorf("ApplyWindowing: width %v: %w", width, ErrInvalidWindow)
		}
		c := center - 0.5
		w := width - 1
		lo := c - w/2
		hi := c + w/2
		for i, v := range data {
			switch {
			case v <= lo:
				out[i] = yMin
			case v > hi:
				out[i] = yMax
			default:
				out[i] = ((v-c)/w+0.5)*yRange + yMin
			}
		}
	case VOISigmoid:
		if width <= 0 {
			return nil, fmt.Errorf("ApplyWindowing: width %v: %w", width, ErrInvalidWindow)
		}
		for i, v := range data {
			out[i] = yRange/(1+math.Exp(-4*(v-center)/width)) + yMin
		}
	default:
		return nil, fmt.Errorf("ApplyWindowing: %v: %w", voi, ErrUnknownVOIFunction)
	}
	return out, nil
}
