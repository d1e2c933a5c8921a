// Package report encodes prediction results as a Basic Text Structured
// Report and sends it back to an archive.
package report

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/predictor"
)

const (
	// BasicTextSRClass is the SOP Class UID of every report written here.
	BasicTextSRClass = "1.2.840.10008.5.1.4.1.1.88.11"
	// ExplicitVRLittleEndian is the transfer syntax of encoded reports.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	riskScoresCode   = "121071"
	riskScoresScheme = "DCM"
	itemScheme       = "99ARK"
)

// ErrEncode wraps failures building or serializing a report.
var ErrEncode = errors.New("report encoding failed")

// SR content tags, spelled out by number.
var (
	tagReferencedSeriesSequence = tag.Tag{Group: 0x0008, Element: 0x1115}
	tagCodeValue                = tag.Tag{Group: 0x0008, Element: 0x0100}
	tagCodingSchemeDesignator   = tag.Tag{Group: 0x0008, Element: 0x0102}
	tagCodeMeaning              = tag.Tag{Group: 0x0008, Element: 0x0104}
	tagRelationshipType         = tag.Tag{Group: 0x0040, Element: 0xA010}
	tagValueType                = tag.Tag{Group: 0x0040, Element: 0xA040}
	tagConceptNameCodeSequence  = tag.Tag{Group: 0x0040, Element: 0xA043}
	tagContinuityOfContent      = tag.Tag{Group: 0x0040, Element: 0xA050}
	tagMeasuredValueSequence    = tag.Tag{Group: 0x0040, Element: 0xA300}
	tagNumericValue             = tag.Tag{Group: 0x0040, Element: 0xA30A}
	tagContentSequence          = tag.Tag{Group: 0x0040, Element: 0xA730}
)

// Report is an encoded structured report.
type Report struct {
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Bytes             []byte
}

// UID derives the report SOP Instance UID from the source identifiers.
// The same source always yields the same UID.
func UID(studyUID, seriesUID, sopUID string) string {
	sum := sha256.Sum256([]byte(studyUID + "|" + seriesUID + "|" + sopUID))
	n := new(big.Int).SetBytes(sum[:16])
	return "2.25." + n.String()
}

// Encode builds the report for one scored series. Identifiers are copied
// from template; only ContentDate/ContentTime depend on now.
func Encode(template *dicomobj.ImageObject, info predictor.Info, scores predictor.Scores, now time.Time) (*Report, error) {
	if template == nil {
		return nil, fmt.Errorf("Encode: nil template: %w", ErrEncode)
	}
	src := template.Tags()
	uid := UID(src.StudyInstanceUID, src.SeriesInstanceUID, src.SOPInstanceUID)

	b := &builder{}
	b.add(tag.FileMetaInformationVersion, []byte{0, 1})
	b.str(tag.MediaStorageSOPClassUID, BasicTextSRClass)
	b.str(tag.MediaStorageSOPInstanceUID, uid)
	b.str(tag.TransferSyntaxUID, ExplicitVRLittleEndian)

	b.str(tag.SOPClassUID, BasicTextSRClass)
	b.str(tag.SOPInstanceUID, uid)
	b.str(tag.StudyDate, src.StudyDate)
	b.str(tag.StudyTime, src.StudyTime)
	b.str(tag.ContentDate, now.Format("20060102"))
	b.str(tag.ContentTime, now.Format("150405"))
	b.str(tag.AccessionNumber, src.AccessionNumber)
	b.str(tag.Modality, "SR")
	b.str(tag.PatientName, src.PatientName)
	b.str(tag.PatientID, src.PatientID)
	b.str(tag.StudyInstanceUID, src.StudyInstanceUID)
	b.str(tag.SeriesInstanceUID, src.SeriesInstanceUID)

	ref := &builder{}
	ref.str(tag.StudyInstanceUID, src.StudyInstanceUID)
	ref.str(tag.SeriesInstanceUID, src.SeriesInstanceUID)
	b.seq(tagReferencedSeriesSequence, ref)

	b.str(tagValueType, "CONTAINER")
	b.seq(tagConceptNameCodeSequence, code(riskScoresCode, riskScoresScheme, modelTitle(info.Name)+" Risk Scores"))
	b.str(tagContinuityOfContent, "SEPARATE")

	var items []*builder
	for i, sc := range scores {
		item := &builder{}
		item.str(tagRelationshipType, "CONTAINS")
		item.str(tagValueType, "NUM")
		item.seq(tagConceptNameCodeSequence, code("RISK"+strconv.Itoa(i+1), itemScheme, sc.Key))
		mv := &builder{}
		mv.str(tagNumericValue, formatDS(sc.Value))
		item.seq(tagMeasuredValueSequence, mv)
		items = append(items, item)
	}
	b.seq(tagContentSequence, items...)

	if b.err != nil {
		return nil, fmt.Errorf("Encode: %v: %w", b.err, ErrEncode)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: b.sorted()}, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("Encode: dicom.Write: %v: %w", err, ErrEncode)
	}
	return &Report{
		SOPInstanceUID:    uid,
		StudyInstanceUID:  src.StudyInstanceUID,
		SeriesInstanceUID: src.SeriesInstanceUID,
		Bytes:             buf.Bytes(),
	}, nil
}

func modelTitle(name string) string {
	if name == "" {
		return "Model"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func code(value, scheme, meaning string) *builder {
	c := &builder{}
	c.str(tagCodeValue, value)
	c.str(tagCodingSchemeDesignator, scheme)
	c.str(tagCodeMeaning, meaning)
	return c
}

// formatDS renders v as a DICOM decimal string (at most 16 characters).
func formatDS(v float64) string {
	for prec := 15; prec > 0; prec-- {
		s := strconv.FormatFloat(v, 'g', prec, 64)
		if len(s) <= 16 {
			return s
		}
	}
	return strconv.FormatFloat(v, 'e', 6, 64)
}

// builder accumulates elements and remembers the first construction error.
type builder struct {
	elems []*dicom.Element
	err   error
}

func (b *builder) add(t tag.Tag, v any) {
	if b.err != nil {
		return
	}
	el, err := dicom.NewElement(t, v)
	if err != nil {
		b.err = fmt.Errorf("element %v: %w", t, err)
		return
	}
	b.elems = append(b.elems, el)
}

func (b *builder) str(t tag.Tag, v string) {
	if v == "" {
		return
	}
	b.add(t, []string{v})
}

func (b *builder) seq(t tag.Tag, items ...*builder) {
	var vals [][]*dicom.Element
	for _, it := range items {
		if it.err != nil && b.err == nil {
			b.err = it.err
		}
		vals = append(vals, it.sorted())
	}
	b.add(t, vals)
}

func (b *builder) sorted() []*dicom.Element {
	out := append([]*dicom.Element(nil), b.elems...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tag.Group != out[j].Tag.Group {
			return out[i].Tag.Group < out[j].Tag.Group
		}
		return out[i].Tag.Element < out[j].Tag.Element
	})
	return out
}
