// Package dedupe remembers which groups already had a report transmitted,
// so a retry after a lost cursor write does not send a second report.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry describes a transmitted report.
type Entry struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	ReportUID         string
	SeenAt            time.Time
}

// Registry records idempotency keys.
type Registry interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, e Entry) error
}

// Key identifies one processing of a group: the group identifiers plus the
// exact set of source instances, so a group that gains images gets a new key.
func Key(study, series string, instanceIDs []string) string {
	ids := append([]string(nil), instanceIDs...)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(study))
	h.Write([]byte{'|'})
	h.Write([]byte(series))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Memory is an in-process Registry.
type Memory struct {
	mu   sync.Mutex
	keys map[string]Entry
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]Entry)}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Mark(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now().UTC()
	}
	m.keys[key] = e
	return nil
}

// Len reports how many keys are recorded.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
