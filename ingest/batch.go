package ingest

import (
	"fmt"
	"strings"
)

// Status is the outcome of one ingested item.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkip    Status = "skip"
	StatusFail    Status = "fail"
)

// ItemResult reports what happened to one uploaded file or body part.
type ItemResult struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Batch collects per-item outcomes so callers can tell "nothing to do" from
// "something went wrong".
type Batch struct {
	Items []ItemResult `json:"items"`
}

func (b *Batch) record(index int, name string, st Status, reason string) {
	b.Items = append(b.Items, ItemResult{Index: index, Name: name, Status: st, Reason: reason})
}

// Count returns the number of items with status st.
func (b *Batch) Count(st Status) int {
	n := 0
	for _, it := range b.Items {
		if it.Status == st {
			n++
		}
	}
	return n
}

// Summary is a short human readable tally.
func (b *Batch) Summary() string {
	var parts []string
	for _, st := range []Status{StatusSuccess, StatusSkip, StatusFail} {
		if n := b.Count(st); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return "no items"
	}
	return strings.Join(parts, ", ")
}
