package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

const DefaultPollInterval = 2 * time.Second

type entry struct {
	size    int64
	modTime time.Time
	mode    fs.FileMode
}

// Poller observes a tree by periodic walks. It is the fallback for
// filesystems where kernel notifications are unavailable or exhausted.
type Poller struct {
	root     string
	interval time.Duration
	events   chan ChangeEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	filter   FilterCallback
	snapshot map[string]entry
}

func NewPoller(root string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		root:     root,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// FilterPaths sets a callback that drops events before they are forwarded.
// Excluded directories are not descended into.
func (p *Poller) FilterPaths(callback FilterCallback) {
	p.filter = callback
}

func (p *Poller) Start(ctx context.Context) error {
	slog.Info("poller start", "dir", p.root, "interval", p.interval)

	snapshot, err := p.scan()
	if err != nil {
		return err
	}
	p.snapshot = snapshot
	p.events = make(chan ChangeEvent, eventBufferSize)

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		slog.Info("poller stopped", "dir", p.root)
	})
}

func (p *Poller) Events() <-chan ChangeEvent {
	return p.events
}

func (p *Poller) loop(ctx context.Context) {
	defer func() {
		p.wg.Done()
		close(p.events)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			next, err := p.scan()
			if err != nil {
				slog.Warn("poller scan", "dir", p.root, "error", err)
				continue
			}
			for _, event := range diff(p.snapshot, next) {
				select {
				case p.events <- event:
				case <-p.done:
					return
				case <-ctx.Done():
					return
				}
			}
			p.snapshot = next
		}
	}
}

func (p *Poller) scan() (map[string]entry, error) {
	snapshot := make(map[string]entry)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// files vanishing mid-walk are picked up on the next scan
			if path != p.root {
				return nil
			}
			return err
		}
		if path == p.root {
			return nil
		}
		if p.filter != nil && p.filter(path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snapshot[path] = entry{size: info.Size(), modTime: info.ModTime(), mode: info.Mode()}
		return nil
	})
	return snapshot, err
}

func diff(prev, next map[string]entry) []ChangeEvent {
	now := time.Now()
	var events []ChangeEvent
	for path, cur := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			events = append(events, ChangeEvent{Path: path, Kind: Created, IsDir: cur.mode.IsDir(), Timestamp: now})
		case cur.mode.IsDir():
			// directory mtimes change with their children, which are reported on their own
		case old.size != cur.size || !old.modTime.Equal(cur.modTime) || old.mode != cur.mode:
			events = append(events, ChangeEvent{Path: path, Kind: Modified, Timestamp: now})
		}
	}
	for path, old := range prev {
		if _, ok := next[path]; !ok {
			events = append(events, ChangeEvent{Path: path, Kind: Deleted, IsDir: old.mode.IsDir(), Timestamp: now})
		}
	}
	return events
}
