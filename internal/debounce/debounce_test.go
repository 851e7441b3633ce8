package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/opine/edgesync/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []*PendingBatch
	at      []time.Time
	ch      chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan struct{}, 16)}
}

func (r *flushRecorder) flush(b *PendingBatch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.at = append(r.at, time.Now())
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func event(path string) watcher.ChangeEvent {
	return watcher.ChangeEvent{Path: path, Kind: watcher.Modified, Timestamp: time.Now()}
}

func TestDebouncer_BurstFlushesOnce(t *testing.T) {
	rec := newFlushRecorder()
	quiet := 100 * time.Millisecond
	d := New("/srv/app", quiet, rec.flush)

	paths := []string{"/srv/app/a.js", "/srv/app/b.js", "/srv/app/a.js", "/srv/app/routes/c.js"}
	for _, p := range paths {
		d.Add(event(p))
		assert.Equal(t, Accumulating, d.State())
		time.Sleep(quiet / 4)
	}

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "batch never flushed")
	}
	time.Sleep(2 * quiet)

	require.Equal(t, 1, rec.count())
	batch := rec.batches[0]
	assert.Equal(t, "/srv/app", batch.Root)
	assert.Equal(t, []string{"/srv/app/a.js", "/srv/app/b.js", "/srv/app/routes/c.js"}, batch.Paths())
	assert.Equal(t, 4, batch.Events)
	assert.False(t, batch.LastEventAt.Before(batch.FirstEventAt))
	assert.Equal(t, Idle, d.State())
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncer_FlushTiming(t *testing.T) {
	rec := newFlushRecorder()
	quiet := 150 * time.Millisecond
	d := New("/srv/app", quiet, rec.flush)

	last := time.Now()
	d.Add(watcher.ChangeEvent{Path: "/srv/app/x", Kind: watcher.Created, Timestamp: last})

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "batch never flushed")
	}

	elapsed := rec.at[0].Sub(last)
	assert.GreaterOrEqual(t, elapsed, quiet, "flushed before the quiet period elapsed")
	assert.Less(t, elapsed, quiet+500*time.Millisecond, "flush took far longer than the quiet period")
}

func TestDebouncer_SeparateWindowsFlushSeparately(t *testing.T) {
	rec := newFlushRecorder()
	quiet := 50 * time.Millisecond
	d := New("/srv/app", quiet, rec.flush)

	d.Add(event("/srv/app/one"))
	<-rec.ch
	d.Add(event("/srv/app/two"))
	<-rec.ch

	require.Equal(t, 2, rec.count())
	assert.Equal(t, []string{"/srv/app/one"}, rec.batches[0].Paths())
	assert.Equal(t, []string{"/srv/app/two"}, rec.batches[1].Paths())
}

func TestDebouncer_IndependentRoots(t *testing.T) {
	recA, recB := newFlushRecorder(), newFlushRecorder()
	a := New("/a", 50*time.Millisecond, recA.flush)
	b := New("/b", 400*time.Millisecond, recB.flush)

	a.Add(event("/a/1"))
	b.Add(event("/b/1"))

	select {
	case <-recA.ch:
	case <-time.After(time.Second):
		require.FailNow(t, "root a never flushed")
	}
	assert.Equal(t, 0, recB.count(), "root b must not flush with root a")
	assert.Equal(t, Accumulating, b.State())
	<-recB.ch
}

func TestDebouncer_StopReturnsPending(t *testing.T) {
	rec := newFlushRecorder()
	d := New("/srv/app", time.Hour, rec.flush)

	d.Add(event("/srv/app/a"))
	d.Add(event("/srv/app/b"))
	assert.Equal(t, 2, d.Pending())

	batch := d.Stop()
	require.NotNil(t, batch)
	assert.Equal(t, []string{"/srv/app/a", "/srv/app/b"}, batch.Paths())
	assert.Equal(t, Idle, d.State())
	assert.Nil(t, d.Stop())
	assert.Equal(t, 0, rec.count())
}

func TestDebouncer_Run(t *testing.T) {
	rec := newFlushRecorder()
	d := New("/srv/app", 30*time.Millisecond, rec.flush)

	events := make(chan watcher.ChangeEvent, 4)
	done := make(chan struct{})
	go func() {
		d.Run(t.Context(), events)
		close(done)
	}()

	events <- event("/srv/app/a")
	events <- event("/srv/app/b")
	<-rec.ch
	close(events)
	<-done

	assert.Equal(t, []string{"/srv/app/a", "/srv/app/b"}, rec.batches[0].Paths())
}

func TestNew_DefaultQuietPeriod(t *testing.T) {
	d := New("/x", 0, func(*PendingBatch) {})
	assert.Equal(t, DefaultQuietPeriod, d.QuietPeriod())
}
