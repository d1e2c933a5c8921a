// Package retry tracks change events whose processing failed, so a later
// cycle can try them again, and dead-letters them after a bounded number of
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultMaxAttempts applies when the registry is built with max <= 0.
const DefaultMaxAttempts = 5

// ErrNotFound is returned by Store.Get for an unknown key.
var ErrNotFound = errors.New("retry entry not found")

// Entry is one failing change event. Key is the resource path.
type Entry struct {
	Key          string `gorm:"column:resource_key;primaryKey;size:255"`
	ResourceID   string `gorm:"size:128"`
	ResourceType string `gorm:"size:32"`
	ChangeType   string `gorm:"size:64"`
	Seq          int64
	Attempts     int
	LastError    string
	DeadLettered bool `gorm:"index"`
	UpdatedAt    time.Time
}

// TableName keeps the table name stable across struct renames.
func (Entry) TableName() string { return "retry_entries" }

// Store persists entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Entry, error)
}

// Registry applies the attempt limit on top of a Store.
type Registry struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

// NewRegistry wraps store.
func NewRegistry(store Store, maxAttempts int) *Registry {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Registry{store: store, maxAttempts: maxAttempts, now: time.Now}
}

// MaxAttempts is the number of failures before an entry is dead-lettered.
func (r *Registry) MaxAttempts() int { return r.maxAttempts }

// Fail records one failed attempt for ev. The returned entry reports
// whether this failure dead-lettered it.
func (r *Registry) Fail(ctx context.Context, ev Entry, cause error) (*Entry, error) {
	cur, err := r.store.Get(ctx, ev.Key)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = &ev
		cur.Attempts = 0
		cur.DeadLettered = false
	case err != nil:
		return nil, fmt.Errorf("Registry.Fail(%s): %w", ev.Key, err)
	default:
		if ev.Seq > cur.Seq {
			cur.Seq = ev.Seq
		}
	}
	if cur.DeadLettered {
		return cur, nil
	}
	cur.Attempts++
	if cause != nil {
		cur.LastError = cause.Error()
	}
	cur.UpdatedAt = r.now().UTC()
	if cur.Attempts >= r.maxAttempts {
		cur.DeadLettered = true
		log.Printf("Registry.Fail: %s dead-lettered after %d attempts: %s", cur.Key, cur.Attempts, cur.LastError)
	}
	if err := r.store.Put(ctx, cur); err != nil {
		return nil, fmt.Errorf("Registry.Fail(%s): %w", ev.Key, err)
	}
	return cur, nil
}

// Succeed forgets key. Unknown keys are not an error.
func (r *Registry) Succeed(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("Registry.Succeed(%s): %w", key, err)
	}
	return nil
}

// Pending returns entries still eligible for another attempt, oldest
// sequence first.
func (r *Registry) Pending(ctx context.Context) ([]Entry, error) {
	return r.filter(ctx, false)
}

// DeadLettered returns entries that exhausted their attempts.
func (r *Registry) DeadLettered(ctx context.Context) ([]Entry, error) {
	return r.filter(ctx, true)
}

// Requeue clears the dead-letter flag and attempt count for key.
func (r *Registry) Requeue(ctx context.Context, key string) error {
	cur, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("Registry.Requeue(%s): %w", key, err)
	}
	cur.Attempts = 0
	cur.DeadLettered = false
	cur.UpdatedAt = r.now().UTC()
	return r.store.Put(ctx, cur)
}

func (r *Registry) filter(ctx context.Context, dead bool) ([]Entry, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("Registry.List: %w", err)
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.DeadLettered == dead {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MemoryStore keeps entries in a map; state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) Put(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = *e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}
