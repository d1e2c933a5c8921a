package imagepipe

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/dicomtest"
)

func TestApplyWindowingLinearExample(t *testing.T) {
	in := []float64{-40, -20, 60, 40}
	out, err := ApplyWindowing(in, 10, 100, 16, VOILinear)
	require.NoError(t, err)

	// c = 9.5, w = 99: -40 sits exactly on the lower edge and 60 is past c+w/2.
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 20.0/99.0*65535, out[1], 1e-6)
	assert.InDelta(t, 65535, out[2], 1e-9)
	assert.InDelta(t, 80.0/99.0*65535, out[3], 1e-6)

	// input untouched
	assert.Equal(t, []float64{-40, -20, 60, 40}, in)
}

func TestApplyWindowingBounds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		center := r.Float64()*4000 - 2000
		width := 1 + r.Float64()*3000
		bits := 1 + r.Intn(16)
		data := make([]float64, 200)
		for i := range data {
			data[i] = r.Float64()*10000 - 5000
		}
		maxV := math.Exp2(float64(bits)) - 1
		for _, voi := range []VOIFunction{VOILinear, VOISigmoid} {
			out, err := ApplyWindowing(data, center, width, bits, voi)
			require.NoError(t, err)
			for i, v := range out {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, maxV)
				if voi != VOILinear {
					continue
				}
				if data[i] <= center-0.5-(width-1)/2 {
					assert.Equal(t, 0.0, v)
				}
				if data[i] > center-0.5+width/2 {
					assert.Equal(t, maxV, v)
				}
			}
		}
	}
}

func TestApplyWindowingSigmoid(t *testing.T) {
	out, err := ApplyWindowing([]float64{10}, 10, 100, 8, VOISigmoid)
	require.NoError(t, err)
	assert.InDelta(t, 127.5, out[0], 1e-9)
}

func TestApplyWindowingRejectsUnknownFunction(t *testing.T) {
	_, err := ApplyWindowing([]float64{1}, 0, 10, 16, VOIFunction(9))
	assert.True(t, errors.Is(err, ErrUnknownVOIFunction))

	_, err = ParseVOIFunction("LINEAR_EXACT")
	assert.True(t, errors.Is(err, ErrUnknownVOIFunction))

	f, err := ParseVOIFunction(" sigmoid ")
	require.NoError(t, err)
	assert.Equal(t, VOISigmoid, f)
}

func volumeOf(t *testing.T, slices int) Volume {
	t.Helper()
	var planes [][]float64
	for s := 0; s < slices; s++ {
		planes = append(planes, []float64{float64(s + 1), float64(s + 1)})
	}
	v, err := NewVolume(1, 2, planes...)
	require.NoError(t, err)
	return v
}

func TestSubsampleAlwaysHitsTarget(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for target := 1; target <= 12; target++ {
			out, err := Subsample(volumeOf(t, n), target)
			require.NoError(t, err)
			assert.Equal(t, target, out.Slices)
			assert.Len(t, out.Data, target*2)
			assert.Equal(t, 1, out.Rows)
			assert.Equal(t, 2, out.Cols)
		}
	}
}

func TestSubsamplePadsSymmetrically(t *testing.T) {
	out, err := Subsample(volumeOf(t, 2), 5)
	require.NoError(t, err)
	// left = 1, right = 2
	assert.Equal(t, []float64{0, 0, 1, 1, 2, 2, 0, 0, 0, 0}, out.Data)
}

func TestSubsampleKeepsEvenlySpacedSlices(t *testing.T) {
	out, err := Subsample(volumeOf(t, 9), 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 5, 5, 9, 9}, out.Data)

	assert.Equal(t, []int{0, 2, 3, 5}, sampleIndices(6, 4))

	_, err = Subsample(volumeOf(t, 3), 0)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
}

func TestScale(t *testing.T) {
	v, err := NewVolume(2, 2, []float64{-40, -20, 60, 40})
	require.NoError(t, err)
	out, err := Scale(v, -1, 1)
	require.NoError(t, err)
	want := []float64{-1, -0.6, 1, 0.6}
	for i := range want {
		assert.InDelta(t, want[i], out.Data[i], 1e-9)
	}

	flat, _ := NewVolume(1, 2, []float64{3, 3})
	_, err = Scale(flat, 0, 1)
	assert.True(t, errors.Is(err, ErrDegenerateRange))
}

func TestToTensorReplicatesChannels(t *testing.T) {
	tensor, err := ToTensor(volumeOf(t, 2), 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1, 2}, tensor.Shape)
	assert.Equal(t, tensor.Len(), len(tensor.Data))
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2}, tensor.Data)
}

func TestResize(t *testing.T) {
	same, err := Resize([]float64{1, 2, 3, 4}, 2, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, same)

	flat := make([]float64, 16)
	for i := range flat {
		flat[i] = 1234
	}
	up, err := Resize(flat, 4, 4, 8, 6)
	require.NoError(t, err)
	require.Len(t, up, 48)
	for _, v := range up {
		assert.InDelta(t, 1234, v, 1)
	}

	_, err = Resize([]float64{1, 2, 3}, 2, 2, 4, 4)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestPipelineSkipsUndecodableImages(t *testing.T) {
	p, err := New(CTConfig())
	require.NoError(t, err)

	var objs []*dicomobj.ImageObject
	for i, raw := range dicomtest.Series(t, "CT", "1.2", "1.2.3", 3) {
		obj, err := dicomobj.Parse(i, "img", raw)
		require.NoError(t, err)
		objs = append(objs, obj)
	}

	_, skipped, err := p.Apply(context.Background(), &dicomobj.Series{Objects: objs})
	assert.True(t, errors.Is(err, ErrEmptySeries))
	require.Len(t, skipped, 3)
	assert.True(t, errors.Is(skipped[0].Err, dicomobj.ErrNoPixelData))
}

func TestConfigValidate(t *testing.T) {
	cfg := MammographyConfig()
	require.NoError(t, cfg.Validate())
	cfg.SampleSize = 0
	assert.Error(t, cfg.Validate())
	cfg = CTConfig()
	cfg.WindowMode = "weird"
	assert.Error(t, cfg.Validate())
}
