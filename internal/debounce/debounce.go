package debounce

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/opine/edgesync/internal/watcher"
)

const DefaultQuietPeriod = 2 * time.Second

type State int

const (
	Idle State = iota
	Accumulating
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// PendingBatch is the set of paths touched beneath a root since the last
// quiet window closed.
type PendingBatch struct {
	Root         string
	Touched      mapset.Set[string]
	FirstEventAt time.Time
	LastEventAt  time.Time
	Events       int
}

func newBatch(root string, at time.Time) *PendingBatch {
	return &PendingBatch{
		Root:         root,
		Touched:      mapset.NewSet[string](),
		FirstEventAt: at,
		LastEventAt:  at,
	}
}

// Paths returns the touched paths in lexical order.
func (b *PendingBatch) Paths() []string {
	paths := b.Touched.ToSlice()
	slices.Sort(paths)
	return paths
}

// FlushFunc receives a batch once its quiet period elapsed. It runs on the
// timer goroutine and must not block on transfers.
type FlushFunc func(batch *PendingBatch)

// Debouncer coalesces change events for one root. Every event re-arms the
// quiet-period timer, so continuous activity defers the flush.
type Debouncer struct {
	root        string
	quietPeriod time.Duration
	flush       FlushFunc

	mu    sync.Mutex
	state State
	batch *PendingBatch
	timer *time.Timer
	gen   uint64
}

func New(root string, quietPeriod time.Duration, flush FlushFunc) *Debouncer {
	if quietPeriod <= 0 {
		quietPeriod = DefaultQuietPeriod
	}
	return &Debouncer{
		root:        root,
		quietPeriod: quietPeriod,
		flush:       flush,
	}
}

// Add merges event into the pending batch and resets the quiet-period timer.
func (d *Debouncer) Add(event watcher.ChangeEvent) {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Accumulating {
		d.batch = newBatch(d.root, at)
		d.state = Accumulating
	}
	d.batch.Touched.Add(event.Path)
	d.batch.LastEventAt = at
	d.batch.Events++

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.quietPeriod, func() {
		d.fire(gen)
	})
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// a newer event re-armed the timer after this one was already queued
	if gen != d.gen || d.state != Accumulating {
		d.mu.Unlock()
		return
	}
	batch := d.batch
	d.batch = nil
	d.timer = nil
	d.state = Flushing
	d.mu.Unlock()

	slog.Debug("debounce flush", "root", d.root, "paths", batch.Touched.Cardinality(), "events", batch.Events)
	d.flush(batch)

	d.mu.Lock()
	if d.state == Flushing {
		d.state = Idle
	}
	d.mu.Unlock()
}

// Run feeds events into the debouncer until the channel closes or ctx ends.
func (d *Debouncer) Run(ctx context.Context, events <-chan watcher.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.Add(event)
		}
	}
}

// Stop disarms the timer and returns the batch that never flushed, if any.
func (d *Debouncer) Stop() *PendingBatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	batch := d.batch
	d.batch = nil
	if d.state == Accumulating {
		d.state = Idle
	}
	return batch
}

func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pending returns the number of distinct paths waiting for the quiet period.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batch == nil {
		return 0
	}
	return d.batch.Touched.Cardinality()
}

func (d *Debouncer) QuietPeriod() time.Duration {
	return d.quietPeriod
}
