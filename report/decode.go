package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/reginabarzilaygroup/ark/predictor"
)

// Decoded is what Decode recovers from a report.
type Decoded struct {
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Title             string
	Scores            predictor.Scores
}

// Decode parses an encoded report and returns its identifiers and numeric
// content items in document order.
func Decode(b []byte) (*Decoded, error) {
	ds, err := dicom.Parse(bytes.NewReader(b), int64(len(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("Decode: %w", err)
	}
	out := &Decoded{
		SOPInstanceUID:    firstString(ds.Elements, tag.SOPInstanceUID),
		StudyInstanceUID:  firstString(ds.Elements, tag.StudyInstanceUID),
		SeriesInstanceUID: firstString(ds.Elements, tag.SeriesInstanceUID),
	}
	if names := items(find(ds.Elements, tagConceptNameCodeSequence)); len(names) > 0 {
		out.Title = firstString(names[0], tagCodeMeaning)
	}
	for _, item := range items(find(ds.Elements, tagContentSequence)) {
		if firstString(item, tagValueType) != "NUM" {
			continue
		}
		var key string
		if names := items(find(item, tagConceptNameCodeSequence)); len(names) > 0 {
			key = firstString(names[0], tagCodeMeaning)
		}
		raw := firstString(item, tagNumericValue)
		if mv := items(find(item, tagMeasuredValueSequence)); len(mv) > 0 {
			raw = firstString(mv[0], tagNumericValue)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("Decode: item %q value %q: %w", key, raw, err)
		}
		out.Scores = append(out.Scores, predictor.Score{Key: key, Value: v})
	}
	return out, nil
}

func find(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, el := range elems {
		if el.Tag == t {
			return el
		}
	}
	return nil
}

func firstString(elems []*dicom.Element, t tag.Tag) string {
	el := find(elems, t)
	if el == nil || el.Value == nil || el.Value.ValueType() != dicom.Strings {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(vals[0], "\x00"))
}

// items returns the element lists of each item in a sequence element.
func items(el *dicom.Element) [][]*dicom.Element {
	if el == nil || el.Value == nil || el.Value.ValueType() != dicom.Sequences {
		return nil
	}
	seq, ok := el.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	var out [][]*dicom.Element
	for _, it := range seq {
		if elems, ok := it.GetValue().([]*dicom.Element); ok {
			out = append(out, elems)
		}
	}
	return out
}
