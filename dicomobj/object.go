package dicomobj

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tags is the subset of header attributes the pipeline reads from each
// instance.
type Tags struct {
	PatientID         string
	PatientName       string
	AccessionNumber   string
	StudyID           string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	Modality          string
	StudyDate         string
	StudyTime         string
	Manufacturer      string
	ImageLaterality   string
	ViewPosition      string
	VOILUTFunction    string

	// ImagePosition is ImagePositionPatient; nil when absent.
	ImagePosition []float64
	// SliceThickness is kept as the raw decimal string so callers can tell
	// "absent" from "unparseable".
	SliceThickness string

	WindowCenter     []float64
	WindowWidth      []float64
	RescaleSlope     float64
	RescaleIntercept float64

	PixelRepresentation int
}

func (t Tags) clone() Tags {
	c := t
	c.ImagePosition = append([]float64(nil), t.ImagePosition...)
	c.WindowCenter = append([]float64(nil), t.WindowCenter...)
	c.WindowWidth = append([]float64(nil), t.WindowWidth...)
	return c
}

// ImageObject is one parsed instance. It is immutable once built: accessors
// hand out copies.
type ImageObject struct {
	index int
	name  string
	raw   []byte
	tags  Tags
}

// Parse reads the header of raw (pixel data is skipped) and returns an
// ImageObject numbered index. name is informational (file name, part number,
// archive instance id).
func Parse(index int, name string, raw []byte) (*ImageObject, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("Parse(%s): empty payload: %w", name, ErrMalformed)
	}
	ds, err := parseDataset(raw, true)
	if err != nil {
		return nil, fmt.Errorf("Parse(%s): %v: %w", name, err, ErrMalformed)
	}

	t := Tags{
		PatientID:         getStringByTag(&ds, tag.PatientID),
		PatientName:       getStringByTag(&ds, tag.PatientName),
		AccessionNumber:   getStringByTag(&ds, tag.AccessionNumber),
		StudyID:           getStringByTag(&ds, tag.StudyID),
		StudyInstanceUID:  getStringByTag(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: getStringByTag(&ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    getStringByTag(&ds, tag.SOPInstanceUID),
		SOPClassUID:       getStringByTag(&ds, tag.SOPClassUID),
		Modality:          getStringByTag(&ds, tag.Modality),
		StudyDate:         getStringByTag(&ds, tag.StudyDate),
		StudyTime:         getStringByTag(&ds, tag.StudyTime),
		Manufacturer:      getStringByTag(&ds, tag.Manufacturer),
		ImageLaterality:   getStringByTag(&ds, tag.ImageLaterality),
		ViewPosition:      getStringByTag(&ds, tag.ViewPosition),
		VOILUTFunction:    strings.ToUpper(getStringByTag(&ds, tag.VOILUTFunction)),
		SliceThickness:    getStringByTag(&ds, tag.SliceThickness),
		WindowCenter:      getFloatsByTag(&ds, tag.WindowCenter),
		WindowWidth:       getFloatsByTag(&ds, tag.WindowWidth),
		RescaleSlope:      1,
	}
	if pos := getFloatsByTag(&ds, tag.ImagePositionPatient); len(pos) > 0 {
		t.ImagePosition = pos
	}
	if v := getFloatsByTag(&ds, tag.RescaleSlope); len(v) > 0 && v[0] != 0 {
		t.RescaleSlope = v[0]
	}
	if v := getFloatsByTag(&ds, tag.RescaleIntercept); len(v) > 0 {
		t.RescaleIntercept = v[0]
	}
	if v := getFloatsByTag(&ds, tag.PixelRepresentation); len(v) > 0 {
		t.PixelRepresentation = int(v[0])
	}

	return &ImageObject{index: index, name: name, raw: raw, tags: t}, nil
}

// Index is the sequential number assigned at ingestion.
func (o *ImageObject) Index() int { return o.index }

// Name is the ingestion-side label of the object.
func (o *ImageObject) Name() string { return o.name }

// Tags returns a copy of the extracted header attributes.
func (o *ImageObject) Tags() Tags { return o.tags.clone() }

// Bytes returns a copy of the raw Part-10 payload.
func (o *ImageObject) Bytes() []byte { return append([]byte(nil), o.raw...) }

// Size is the payload length in bytes.
func (o *ImageObject) Size() int { return len(o.raw) }

// ZPosition returns the third ImagePositionPatient component.
func (o *ImageObject) ZPosition() (float64, bool) {
	if len(o.tags.ImagePosition) < 3 {
		return 0, false
	}
	return o.tags.ImagePosition[2], true
}

// Thickness parses SliceThickness.
func (o *ImageObject) Thickness() (float64, error) {
	s := strings.TrimSpace(o.tags.SliceThickness)
	if s == "" {
		return 0, fmt.Errorf("object %s: %w", o.name, ErrMissingThickness)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("object %s: %q: %w", o.name, s, ErrMissingThickness)
	}
	return v, nil
}

func parseDataset(raw []byte, skipPixels bool) (dicom.Dataset, error) {
	var opts []dicom.ParseOption
	if skipPixels {
		opts = append(opts, dicom.SkipPixelData())
	}
	return dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil, opts...)
}

// getStringByTag returns the first string value of tag t in the dataset,
// trimmed, or "" when the element is missing.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	vals := getStringsByTag(ds, t)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func getStringsByTag(ds *dicom.Dataset, t tag.Tag) []string {
	if ds == nil {
		return nil
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return nil
	}
	var out []string
	switch el.Value.ValueType() {
	case dicom.Strings:
		for _, s := range dicom.MustGetStrings(el.Value) {
			out = append(out, strings.TrimSpace(strings.TrimRight(s, "\x00")))
		}
	case dicom.Ints:
		for _, v := range dicom.MustGetInts(el.Value) {
			out = append(out, strconv.Itoa(v))
		}
	case dicom.Floats:
		for _, v := range dicom.MustGetFloats(el.Value) {
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return out
}

// getFloatsByTag reads a multi-valued decimal element (DS/IS/FD/US) as floats.
// Unparseable entries end the list.
func getFloatsByTag(ds *dicom.Dataset, t tag.Tag) []float64 {
	var out []float64
	for _, s := range getStringsByTag(ds, t) {
		// Some writers pack multi-values into a single backslash separated string.
		for _, part := range strings.Split(s, `\`) {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return out
			}
			out = append(out, v)
		}
	}
	return out
}
