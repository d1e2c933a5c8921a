package dicomobj_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/dicomtest"
)

func parse(t *testing.T, idx int, in dicomtest.Instance) *dicomobj.ImageObject {
	t.Helper()
	obj, err := dicomobj.Parse(idx, in.SOPInstanceUID, dicomtest.MustEncode(t, in))
	require.NoError(t, err)
	return obj
}

func TestParseExtractsTags(t *testing.T) {
	obj := parse(t, 3, dicomtest.Instance{
		PatientID:         "P-9",
		PatientName:       "Doe^John",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
		SOPInstanceUID:    "1.2.3.4.5",
		Modality:          "CT",
		SliceThickness:    "2.5",
		Position:          []float64{-10, 4.5, 33.25},
	})

	tags := obj.Tags()
	assert.Equal(t, 3, obj.Index())
	assert.Equal(t, "P-9", tags.PatientID)
	assert.Equal(t, "1.2.3", tags.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4", tags.SeriesInstanceUID)
	assert.Equal(t, "CT", tags.Modality)
	z, ok := obj.ZPosition()
	require.True(t, ok)
	assert.InDelta(t, 33.25, z, 1e-9)
	th, err := obj.Thickness()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, th, 1e-9)

	// mutating the copy leaves the object alone
	tags.ImagePosition[2] = 0
	z, _ = obj.ZPosition()
	assert.InDelta(t, 33.25, z, 1e-9)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := dicomobj.Parse(0, "junk", []byte("definitely not dicom"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dicomobj.ErrMalformed))

	_, err = dicomobj.Parse(0, "empty", nil)
	assert.True(t, errors.Is(err, dicomobj.ErrMalformed))
}

func TestZSortAscendingAndStable(t *testing.T) {
	zs := []float64{5, 1, 3, 1, 5, 0}
	var objs []*dicomobj.ImageObject
	for i, z := range zs {
		objs = append(objs, parse(t, i, dicomtest.Instance{
			SOPInstanceUID: fmt.Sprintf("1.9.%d", i+1),
			Position:       []float64{0, 0, z},
		}))
	}

	sorted, err := dicomobj.ZSort(objs)
	require.NoError(t, err)
	require.Len(t, sorted, len(objs))

	var order []int
	prev := math.Inf(-1)
	for _, o := range sorted {
		z, _ := o.ZPosition()
		assert.GreaterOrEqual(t, z, prev)
		prev = z
		order = append(order, o.Index())
	}
	// ties keep input order: z=1 -> 1,3 and z=5 -> 0,4
	assert.Equal(t, []int{5, 1, 3, 2, 0, 4}, order)
	// input untouched
	assert.Equal(t, 0, objs[0].Index())
}

func TestZSortMissingPosition(t *testing.T) {
	objs := []*dicomobj.ImageObject{
		parse(t, 0, dicomtest.Instance{SOPInstanceUID: "1.1", Position: []float64{0, 0, 1}}),
		parse(t, 1, dicomtest.Instance{SOPInstanceUID: "1.2"}),
	}
	_, err := dicomobj.ZSort(objs)
	assert.True(t, errors.Is(err, dicomobj.ErrMissingPosition))
}

func TestFilterBySliceThickness(t *testing.T) {
	objs := []*dicomobj.ImageObject{
		parse(t, 0, dicomtest.Instance{SOPInstanceUID: "1.1", SliceThickness: "0.5"}),
		parse(t, 1, dicomtest.Instance{SOPInstanceUID: "1.2", SliceThickness: "1.0"}),
		parse(t, 2, dicomtest.Instance{SOPInstanceUID: "1.3", SliceThickness: "2.5"}),
		parse(t, 3, dicomtest.Instance{SOPInstanceUID: "1.4", SliceThickness: "3.0"}),
		parse(t, 4, dicomtest.Instance{SOPInstanceUID: "1.5"}),
	}

	kept, failed := dicomobj.FilterBySliceThickness(objs, 1.0, 2.5)
	require.Len(t, kept, 2)
	assert.Equal(t, 1, kept[0].Index())
	assert.Equal(t, 2, kept[1].Index())
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].Object.Index())
	assert.True(t, errors.Is(failed[0].Err, dicomobj.ErrMissingThickness))
}

func TestAssemblerAppliesFiltersInOrder(t *testing.T) {
	objs := []*dicomobj.ImageObject{
		parse(t, 0, dicomtest.Instance{SOPInstanceUID: "1.1", Modality: "CT", SliceThickness: "1", Position: []float64{0, 0, 9}}),
		parse(t, 1, dicomtest.Instance{SOPInstanceUID: "1.2", Modality: "MR", SliceThickness: "1", Position: []float64{0, 0, 1}}),
		parse(t, 2, dicomtest.Instance{SOPInstanceUID: "1.3", Modality: "CT", SliceThickness: "1", Position: []float64{0, 0, 2}}),
		// no position: must be removed by the thickness filter before sorting
		parse(t, 3, dicomtest.Instance{SOPInstanceUID: "1.4", Modality: "CT", SliceThickness: "9"}),
	}

	a := dicomobj.NewAssembler(dicomobj.ModalityFilter("ct")).
		Add(dicomobj.ThicknessFilter(0, 5)).
		Add(dicomobj.ZSortFilter())
	series, failures, err := a.Assemble(objs)
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Equal(t, 2, series.Len())
	assert.Equal(t, 2, series.Objects[0].Index())
	assert.Equal(t, 0, series.Objects[1].Index())

	// reversed order fails: ZSort sees the object without position
	_, _, err = dicomobj.NewAssembler(dicomobj.ZSortFilter(), dicomobj.ThicknessFilter(0, 5)).Assemble(objs)
	assert.True(t, errors.Is(err, dicomobj.ErrMissingPosition))
}

func TestSeriesHomogeneous(t *testing.T) {
	a := parse(t, 0, dicomtest.Instance{SOPInstanceUID: "1.1", StudyInstanceUID: "9", SeriesInstanceUID: "9.1"})
	b := parse(t, 1, dicomtest.Instance{SOPInstanceUID: "1.2", StudyInstanceUID: "9", SeriesInstanceUID: "9.1"})
	c := parse(t, 2, dicomtest.Instance{SOPInstanceUID: "1.3", StudyInstanceUID: "9", SeriesInstanceUID: "9.2"})

	s := &dicomobj.Series{Objects: []*dicomobj.ImageObject{a, b}}
	assert.True(t, s.Homogeneous())
	assert.Equal(t, "9.1", s.SeriesInstanceUID())
	s.Objects = append(s.Objects, c)
	assert.False(t, s.Homogeneous())
}

func TestForModality(t *testing.T) {
	mg := []*dicomobj.ImageObject{
		parse(t, 0, dicomtest.Instance{SOPInstanceUID: "2.1", Modality: "MG"}),
		parse(t, 1, dicomtest.Instance{SOPInstanceUID: "2.2", Modality: "MG"}),
	}
	series, failures, err := dicomobj.ForModality("MG", 0).Assemble(mg)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 0, series.Objects[0].Index())

	ct := []*dicomobj.ImageObject{
		parse(t, 0, dicomtest.Instance{SOPInstanceUID: "3.1", Modality: "CT", SliceThickness: "1", Position: []float64{0, 0, 5}}),
		parse(t, 1, dicomtest.Instance{SOPInstanceUID: "3.2", Modality: "CT", SliceThickness: "1", Position: []float64{0, 0, -5}}),
		parse(t, 2, dicomtest.Instance{SOPInstanceUID: "3.3", Modality: "CT", Position: []float64{0, 0, 0}}),
	}
	series, failures, err = dicomobj.ForModality("ct", 0).Assemble(ct)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Object.Index())
	require.Equal(t, 2, series.Len())
	assert.Equal(t, 1, series.Objects[0].Index())
}
