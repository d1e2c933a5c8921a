// Package cursor persists the change-feed resume point.
package cursor

import (
	"context"
	"fmt"
	"sync"
)

// State is the persisted document, {"Last": n}.
type State struct {
	Last int64 `json:"Last" firestore:"Last"`
}

// Store loads and saves the state. Load of a never-saved store returns a
// zero State and no error.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Cursor is the in-process view of the resume point. Only the poller
// advances it; Advance never moves backwards.
type Cursor struct {
	mu    sync.Mutex
	store Store
	last  int64
}

// Open reads the current value from store.
func Open(ctx context.Context, store Store) (*Cursor, error) {
	st, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("cursor.Open: %w", err)
	}
	return &Cursor{store: store, last: st.Last}, nil
}

// Last returns the last fully processed sequence number.
func (c *Cursor) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Advance persists seq if it is ahead of the current value. It reports
// whether the cursor moved.
func (c *Cursor) Advance(ctx context.Context, seq int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.last {
		return false, nil
	}
	if err := c.store.Save(ctx, State{Last: seq}); err != nil {
		return false, fmt.Errorf("cursor.Advance(%d): %w", seq, err)
	}
	c.last = seq
	return true, nil
}

// Reset overwrites the persisted value, backwards included. Operator use only.
func (c *Cursor) Reset(ctx context.Context, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(ctx, State{Last: seq}); err != nil {
		return fmt.Errorf("cursor.Reset(%d): %w", seq, err)
	}
	c.last = seq
	return nil
}
