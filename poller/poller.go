// Package poller drives the archive change feed: it polls for stable
// groups, fetches and scores them, writes the report back and advances the
// cursor once the whole batch is handled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reginabarzilaygroup/ark/cursor"
	"github.com/reginabarzilaygroup/ark/dedupe"
	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/orthanc"
	"github.com/reginabarzilaygroup/ark/report"
	"github.com/reginabarzilaygroup/ark/retry"
	"github.com/reginabarzilaygroup/ark/scoring"
)

// ErrArchiveUnreachable is returned by Run when the archive never answered
// during start-up.
var ErrArchiveUnreachable = errors.New("archive unreachable")

// Granularity selects which stable events are actionable.
type Granularity string

const (
	GranularitySeries Granularity = "Series"
	GranularityStudy  Granularity = "Study"
)

// DefaultMinInstances is the minimum group size per modality.
func DefaultMinInstances() map[string]int {
	return map[string]int{"MG": 4, "CT": 20}
}

// Config tunes the loop.
type Config struct {
	Granularity Granularity
	// ChangeType overrides the default "Stable"+Granularity.
	ChangeType            string
	Modality              string
	MinInstances          map[string]int
	PageLimit             int
	Interval              time.Duration
	DeleteAfterProcessing bool
	Workers               int
	StartupAttempts       int
	StartupDelay          time.Duration
	StartupMaxDelay       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Granularity == "" {
		c.Granularity = GranularitySeries
	}
	if c.ChangeType == "" {
		c.ChangeType = "Stable" + string(c.Granularity)
	}
	if c.MinInstances == nil {
		c.MinInstances = DefaultMinInstances()
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 100
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = 5
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = time.Second
	}
	if c.StartupMaxDelay <= 0 {
		c.StartupMaxDelay = 30 * time.Second
	}
	return c
}

// Archive is the subset of the archive API the poller uses.
type Archive interface {
	Ping(ctx context.Context) error
	Changes(ctx context.Context, since int64, limit int) (*orthanc.ChangePage, error)
	Instances(ctx context.Context, resourcePath string) ([]orthanc.InstanceRef, error)
	InstanceFile(ctx context.Context, id string) ([]byte, error)
	DeleteInstance(ctx context.Context, id string) error
}

// Deps are the long-lived resources the poller works with. Archive, Cursor,
// Scorer and Transmitter are required.
type Deps struct {
	Archive     Archive
	Cursor      *cursor.Cursor
	Scorer      *scoring.Scorer
	Transmitter report.Transmitter
	// Ledger may be nil when scores are not saved.
	Ledger    *ledger.Ledger
	Retries   *retry.Registry
	Dedupe    dedupe.Registry
	Metrics   *Metrics
	Assembler *dicomobj.Assembler
}

// Poller is the single cursor writer.
type Poller struct {
	cfg   Config
	deps  Deps
	state atomic.Int32
	now   func() time.Time
}

// New validates deps and fills optional ones with in-memory defaults.
func New(cfg Config, deps Deps) (*Poller, error) {
	switch {
	case deps.Archive == nil:
		return nil, fmt.Errorf("poller.New: archive is required")
	case deps.Cursor == nil:
		return nil, fmt.Errorf("poller.New: cursor is required")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("poller.New: scorer is required")
	case deps.Transmitter == nil:
		return nil, fmt.Errorf("poller.New: transmitter is required")
	}
	cfg = cfg.withDefaults()
	if deps.Retries == nil {
		deps.Retries = retry.NewRegistry(retry.NewMemoryStore(), 0)
	}
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.NewMemory()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Assembler == nil {
		deps.Assembler = dicomobj.ForModality(cfg.Modality, 0)
	}
	p := &Poller{cfg: cfg, deps: deps, now: time.Now}
	p.setState(StateSleep)
	return p, nil
}

// State returns the phase most recently entered by any worker.
func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) { p.state.Store(int32(s)) }

// Run waits for the archive, then cycles until ctx is cancelled. The sleep
// between cycles is skipped while the feed reports more pages.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.WaitForArchive(ctx); err != nil {
		return err
	}
	log.Printf("Poller.Run: watching %s events for modality %q from cursor %d", p.cfg.ChangeType, p.cfg.Modality, p.deps.Cursor.Last())
	for {
		rep, err := p.Cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("Poller.Run: %v", err)
		} else if !rep.Done {
			continue
		}
		p.setState(StateSleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}

// WaitForArchive pings the archive with doubling delays, giving up after
// StartupAttempts failures.
func (p *Poller) WaitForArchive(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.StartupAttempts; attempt++ {
		lastErr = p.deps.Archive.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.cfg.StartupAttempts {
			break
		}
		delay := backoff(attempt, p.cfg.StartupDelay, p.cfg.StartupMaxDelay)
		log.Printf("WaitForArchive: attempt %d/%d failed: %v; retrying in %s", attempt, p.cfg.StartupAttempts, lastErr, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrArchiveUnreachable, p.cfg.StartupAttempts, lastErr)
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Cycle runs POLL through ADVANCE once. The cursor moves to the page's Last
// only after every event in the batch is processed, deferred, skipped or
// safely recorded for retry.
func (p *Poller) Cycle(ctx context.Context) (*CycleReport, error) {
	m := p.deps.Metrics
	m.Cycles.Inc()
	start := p.now()
	defer func() { m.Duration.Observe(time.Since(start).Seconds()) }()

	rep := &CycleReport{RunID: uuid.NewString()[:8], Since: p.deps.Cursor.Last()}

	p.setState(StatePoll)
	page, err := p.deps.Archive.Changes(ctx, rep.Since, p.cfg.PageLimit)
	if err != nil {
		m.CycleErrors.Inc()
		return nil, fmt.Errorf("[%s] Cycle: changes since %d: %w", rep.RunID, rep.Since, err)
	}
	rep.Last, rep.Done = page.Last, page.Done

	batch := p.actionable(page.Changes)
	pending, err := p.deps.Retries.Pending(ctx)
	if err != nil {
		log.Printf("[%s] Cycle: pending retries unavailable: %v", rep.RunID, err)
	}
	for _, e := range pending {
		batch = append(batch, orthanc.ChangeEvent{
			ID: e.ResourceID, ChangeType: e.ChangeType, ResourceType: e.ResourceType, Path: e.Key, Seq: e.Seq,
		})
	}
	batch = collapse(batch)
	rep.Events = len(batch)

	results := make([][]GroupResult, len(batch))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, ev := range batch {
		g.Go(func() error {
			results[i] = p.handle(ctx, rep.RunID, ev)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		m.CycleErrors.Inc()
		return rep, err
	}

	for i, ev := range batch {
		groups := results[i]
		if err := p.settle(ctx, rep.RunID, ev, groups); err != nil {
			m.CycleErrors.Inc()
			return rep, err
		}
		for _, gr := range groups {
			m.Groups.WithLabelValues(string(gr.Outcome)).Inc()
		}
		rep.Groups = append(rep.Groups, groups...)
	}

	p.setState(StateAdvance)
	moved, err := p.deps.Cursor.Advance(ctx, page.Last)
	if err != nil {
		m.CycleErrors.Inc()
		return rep, fmt.Errorf("[%s] Cycle: %w", rep.RunID, err)
	}
	rep.Advanced = moved
	m.Cursor.Set(float64(p.deps.Cursor.Last()))
	if rep.Events > 0 {
		log.Printf("[%s] Cycle: %d events, %d processed, %d deferred, %d failed; cursor %d -> %d",
			rep.RunID, rep.Events, rep.Count(OutcomeProcessed), rep.Count(OutcomeDeferred),
			rep.Count(OutcomeFailed)+rep.Count(OutcomeDeadLettered), rep.Since, p.deps.Cursor.Last())
	}
	return rep, nil
}

// settle updates the retry registry for one event. An error means the
// failure could not be recorded and the cursor must not move.
func (p *Poller) settle(ctx context.Context, runID string, ev orthanc.ChangeEvent, groups []GroupResult) error {
	var cause error
	for _, gr := range groups {
		if gr.Outcome == OutcomeFailed {
			cause = errors.Join(cause, gr.Err)
		}
	}
	if cause == nil {
		if err := p.deps.Retries.Succeed(ctx, ev.Path); err != nil {
			log.Printf("[%s] settle: %v", runID, err)
		}
		return nil
	}
	entry, err := p.deps.Retries.Fail(ctx, retry.Entry{
		Key: ev.Path, ResourceID: ev.ID, ResourceType: ev.ResourceType, ChangeType: ev.ChangeType, Seq: ev.Seq,
	}, cause)
	if err != nil {
		return fmt.Errorf("[%s] settle %s: %w", runID, ev.Path, err)
	}
	if entry.DeadLettered {
		p.deps.Metrics.DeadLetters.Inc()
		for i := range groups {
			if groups[i].Outcome == OutcomeFailed {
				groups[i].Outcome = OutcomeDeadLettered
			}
		}
	}
	return nil
}

func (p *Poller) actionable(events []orthanc.ChangeEvent) []orthanc.ChangeEvent {
	var out []orthanc.ChangeEvent
	for _, ev := range events {
		if ev.ResourceType == string(p.cfg.Granularity) && ev.ChangeType == p.cfg.ChangeType {
			out = append(out, ev)
		}
	}
	return out
}

// collapse keeps one event per resource path, the one with the highest
// sequence number, ordered by sequence.
func collapse(events []orthanc.ChangeEvent) []orthanc.ChangeEvent {
	best := map[string]orthanc.ChangeEvent{}
	for _, ev := range events {
		if cur, ok := best[ev.Path]; !ok || ev.Seq > cur.Seq {
			best[ev.Path] = ev
		}
	}
	out := make([]orthanc.ChangeEvent, 0, len(best))
	for _, ev := range best {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return strings.Compare(out[i].Path, out[j].Path) < 0
	})
	return out
}
