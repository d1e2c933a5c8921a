// Package dicomtest builds small synthetic Part-10 instances for tests.
package dicomtest

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	ctImageStorage      = "1.2.840.10008.5.1.4.1.1.2"
	explicitVRLittleEnd = "1.2.840.10008.1.2.1"
)

// Instance describes the header of a synthetic object. Empty fields are
// omitted from the dataset.
type Instance struct {
	PatientID         string
	PatientName       string
	AccessionNumber   string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	Modality          string
	StudyDate         string
	StudyTime         string
	Manufacturer      string
	SliceThickness    string
	// Position is ImagePositionPatient; omitted when nil.
	Position []float64
}

// Encode writes the instance as an Explicit VR Little Endian Part-10 file.
func Encode(in Instance) ([]byte, error) {
	sop := in.SOPInstanceUID
	if sop == "" {
		sop = "1.2.3.4.5.6.7"
	}
	elems := []*dicom.Element{
		mustElement(tag.MediaStorageSOPClassUID, []string{ctImageStorage}),
		mustElement(tag.MediaStorageSOPInstanceUID, []string{sop}),
		mustElement(tag.TransferSyntaxUID, []string{explicitVRLittleEnd}),
		mustElement(tag.SOPClassUID, []string{ctImageStorage}),
		mustElement(tag.SOPInstanceUID, []string{sop}),
	}
	add := func(t tag.Tag, v string) {
		if v != "" {
			elems = append(elems, mustElement(t, []string{v}))
		}
	}
	add(tag.StudyDate, in.StudyDate)
	add(tag.StudyTime, in.StudyTime)
	add(tag.AccessionNumber, in.AccessionNumber)
	add(tag.Modality, in.Modality)
	add(tag.Manufacturer, in.Manufacturer)
	add(tag.PatientName, in.PatientName)
	add(tag.PatientID, in.PatientID)
	add(tag.SliceThickness, in.SliceThickness)
	add(tag.StudyInstanceUID, in.StudyInstanceUID)
	add(tag.SeriesInstanceUID, in.SeriesInstanceUID)
	if in.Position != nil {
		pos := make([]string, len(in.Position))
		for i, v := range in.Position {
			pos[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		elems = append(elems, mustElement(tag.ImagePositionPatient, pos))
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}, dicom.SkipVRVerification()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for tests.
func MustEncode(tb testing.TB, in Instance) []byte {
	tb.Helper()
	b, err := Encode(in)
	if err != nil {
		tb.Fatalf("dicomtest.Encode: %v", err)
	}
	return b
}

// Series builds n instances of one series with increasing z positions.
func Series(tb testing.TB, modality, study, series string, n int) [][]byte {
	tb.Helper()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = MustEncode(tb, Instance{
			PatientID:         "P-1",
			PatientName:       "Doe^Jane",
			StudyInstanceUID:  study,
			SeriesInstanceUID: series,
			SOPInstanceUID:    series + "." + strconv.Itoa(i+1),
			Modality:          modality,
			SliceThickness:    "1.25",
			Position:          []float64{0, 0, float64(i)},
		})
	}
	return out
}

func mustElement(t tag.Tag, v []string) *dicom.Element {
	el, err := dicom.NewElement(t, v)
	if err != nil {
		panic(err)
	}
	return el
}
