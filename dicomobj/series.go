package dicomobj

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Series is an ordered run of image objects.
type Series struct {
	Objects []*ImageObject
}

// Len returns the number of objects.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Objects)
}

// Template is the object report identifiers are copied from: the first one.
func (s *Series) Template() *ImageObject {
	if s.Len() == 0 {
		return nil
	}
	return s.Objects[0]
}

// StudyInstanceUID of the template object.
func (s *Series) StudyInstanceUID() string {
	if t := s.Template(); t != nil {
		return t.tags.StudyInstanceUID
	}
	return ""
}

// SeriesInstanceUID of the template object.
func (s *Series) SeriesInstanceUID() string {
	if t := s.Template(); t != nil {
		return t.tags.SeriesInstanceUID
	}
	return ""
}

// Homogeneous reports whether every object shares the template's study and
// series identifiers.
func (s *Series) Homogeneous() bool {
	for _, o := range s.Objects {
		if o.tags.StudyInstanceUID != s.StudyInstanceUID() || o.tags.SeriesInstanceUID != s.SeriesInstanceUID() {
			return false
		}
	}
	return true
}

// LookupFailure records an object a filter could not evaluate.
type LookupFailure struct {
	Object *ImageObject
	Err    error
}

func (f LookupFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Object.Name(), f.Err)
}

// ZSort orders images by the z component of ImagePositionPatient, ascending.
// Ties keep their input order. The input slice is not modified.
func ZSort(images []*ImageObject) ([]*ImageObject, error) {
	for _, img := range images {
		if _, ok := img.ZPosition(); !ok {
			return nil, fmt.Errorf("ZSort: object %s: %w", img.Name(), ErrMissingPosition)
		}
	}
	out := append([]*ImageObject(nil), images...)
	sort.SliceStable(out, func(i, j int) bool {
		zi, _ := out[i].ZPosition()
		zj, _ := out[j].ZPosition()
		return zi < zj
	})
	return out, nil
}

// FilterBySliceThickness keeps images whose SliceThickness lies in
// [minThick, maxThick]. Images without a readable thickness come back as
// lookup failures, never silently dropped.
func FilterBySliceThickness(images []*ImageObject, minThick, maxThick float64) ([]*ImageObject, []LookupFailure) {
	var kept []*ImageObject
	var failed []LookupFailure
	for _, img := range images {
		th, err := img.Thickness()
		if err != nil {
			failed = append(failed, LookupFailure{Object: img, Err: err})
			continue
		}
		if th >= minThick && th <= maxThick {
			kept = append(kept, img)
		}
	}
	return kept, failed
}

// Filter is one assembler stage.
type Filter func(images []*ImageObject) ([]*ImageObject, []LookupFailure, error)

// ThicknessFilter wraps FilterBySliceThickness as a Filter. A zero max means
// no upper bound.
func ThicknessFilter(minThick, maxThick float64) Filter {
	if maxThick <= 0 {
		maxThick = math.Inf(1)
	}
	return func(images []*ImageObject) ([]*ImageObject, []LookupFailure, error) {
		kept, failed := FilterBySliceThickness(images, minThick, maxThick)
		return kept, failed, nil
	}
}

// ModalityFilter keeps images whose Modality is in the given set
// (case-insensitive). An empty set keeps everything.
func ModalityFilter(modalities ...string) Filter {
	want := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		want[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	return func(images []*ImageObject) ([]*ImageObject, []LookupFailure, error) {
		if len(want) == 0 {
			return images, nil, nil
		}
		var kept []*ImageObject
		for _, img := range images {
			if want[strings.ToUpper(img.tags.Modality)] {
				kept = append(kept, img)
			}
		}
		return kept, nil, nil
	}
}

// ZSortFilter adapts ZSort to the Filter signature.
func ZSortFilter() Filter {
	return func(images []*ImageObject) ([]*ImageObject, []LookupFailure, error) {
		out, err := ZSort(images)
		return out, nil, err
	}
}

// Assembler applies filters in the order they were added; each filter sees
// the previous one's output.
type Assembler struct {
	filters []Filter
}

// NewAssembler builds an assembler with the given filters.
func NewAssembler(filters ...Filter) *Assembler {
	return &Assembler{filters: filters}
}

// Add appends a filter.
func (a *Assembler) Add(f Filter) *Assembler {
	a.filters = append(a.filters, f)
	return a
}

// Assemble runs the filter chain. Lookup failures from all stages are
// returned alongside the series; a filter error aborts assembly.
func (a *Assembler) Assemble(images []*ImageObject) (*Series, []LookupFailure, error) {
	cur := images
	var failures []LookupFailure
	for i, f := range a.filters {
		next, failed, err := f(cur)
		if err != nil {
			return nil, failures, fmt.Errorf("Assemble: filter %d: %w", i, err)
		}
		failures = append(failures, failed...)
		cur = next
	}
	return &Series{Objects: cur}, failures, nil
}

// ForModality returns the default chain for a modality. CT slices are
// thickness-filtered and z-sorted; projection images (MG and others) carry
// no slice position and keep arrival order.
func ForModality(modality string, maxThick float64) *Assembler {
	if strings.EqualFold(modality, "CT") {
		return NewAssembler(ThicknessFilter(0, maxThick), ZSortFilter())
	}
	return NewAssembler()
}
