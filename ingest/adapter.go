package ingest

import (
	"fmt"
	"io"
	"mime/multipart"
	"sort"
	"strings"

	"github.com/reginabarzilaygroup/ark/dicomobj"
)

// DefaultModalities are accepted by the interactive upload paths.
var DefaultModalities = []string{"MG", "CT", "OT"}

// Group is the set of objects sharing one study and series.
type Group struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Objects           []*dicomobj.ImageObject
}

// Adapter turns raw payloads into image objects grouped by series.
type Adapter struct {
	modalities map[string]bool
}

// NewAdapter accepts objects whose Modality is in modalities. An empty list
// accepts everything.
func NewAdapter(modalities []string) *Adapter {
	m := make(map[string]bool, len(modalities))
	for _, mod := range modalities {
		m[strings.ToUpper(strings.TrimSpace(mod))] = true
	}
	return &Adapter{modalities: m}
}

// Raw is one payload with the label and position it arrived under.
type Raw struct {
	Index int
	Name  string
	Data  []byte
}

// Load parses payloads in order. Unparseable payloads are failures, objects
// of other modalities are skips; neither stops the batch.
func (a *Adapter) Load(raws []Raw) ([]*Group, Batch) {
	var batch Batch
	var objs []*dicomobj.ImageObject
	for _, r := range raws {
		obj, err := dicomobj.Parse(r.Index, r.Name, r.Data)
		if err != nil {
			batch.record(r.Index, r.Name, StatusFail, err.Error())
			continue
		}
		mod := strings.ToUpper(obj.Tags().Modality)
		if len(a.modalities) > 0 && !a.modalities[mod] {
			batch.record(r.Index, r.Name, StatusSkip, fmt.Sprintf("modality %q not accepted", mod))
			continue
		}
		batch.record(r.Index, r.Name, StatusSuccess, "")
		objs = append(objs, obj)
	}
	return GroupBySeries(objs), batch
}

// LoadParts is Load for store-request parts.
func (a *Adapter) LoadParts(parts []Part) ([]*Group, Batch) {
	raws := make([]Raw, len(parts))
	for i, p := range parts {
		raws[i] = Raw{Index: i, Name: fmt.Sprintf("part-%d", p.Index), Data: p.Payload}
	}
	return a.Load(raws)
}

// LoadFiles is Load for multipart/form-data uploads. A file that cannot be
// read is recorded as a failure.
func (a *Adapter) LoadFiles(files []*multipart.FileHeader) ([]*Group, Batch) {
	var raws []Raw
	var readErrs Batch
	for i, fh := range files {
		data, err := readFile(fh)
		if err != nil {
			readErrs.record(i, fh.Filename, StatusFail, err.Error())
			continue
		}
		raws = append(raws, Raw{Index: i, Name: fh.Filename, Data: data})
	}
	groups, batch := a.Load(raws)
	batch.Items = append(readErrs.Items, batch.Items...)
	sort.SliceStable(batch.Items, func(i, j int) bool { return batch.Items[i].Index < batch.Items[j].Index })
	return groups, batch
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return b, nil
}

// GroupBySeries buckets objects by study/series, keeping first-seen order of
// groups and of objects within each group.
func GroupBySeries(objs []*dicomobj.ImageObject) []*Group {
	return groupBy(objs, func(t dicomobj.Tags) string {
		return t.StudyInstanceUID + "|" + t.SeriesInstanceUID
	})
}

// GroupByStudy buckets objects by study only. A group's SeriesInstanceUID is
// that of its first object.
func GroupByStudy(objs []*dicomobj.ImageObject) []*Group {
	return groupBy(objs, func(t dicomobj.Tags) string { return t.StudyInstanceUID })
}

func groupBy(objs []*dicomobj.ImageObject, key func(dicomobj.Tags) string) []*Group {
	var groups []*Group
	index := map[string]*Group{}
	for _, o := range objs {
		t := o.Tags()
		k := key(t)
		g, ok := index[k]
		if !ok {
			g = &Group{StudyInstanceUID: t.StudyInstanceUID, SeriesInstanceUID: t.SeriesInstanceUID}
			index[k] = g
			groups = append(groups, g)
		}
		g.Objects = append(g.Objects, o)
	}
	return groups
}
