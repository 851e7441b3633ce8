package watcher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 256

type FileWatcher struct {
	watchDir  string
	events    chan ChangeEvent
	rawEvents chan notify.EventInfo
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	// Raw event filtering
	filter   FilterCallback
	filterMu sync.RWMutex
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir: watchDir,
		done:     make(chan struct{}),
	}
}

// FilterPaths sets a callback that drops raw events before they are forwarded.
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.filterMu.Lock()
	defer fw.filterMu.Unlock()
	fw.filter = callback
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan ChangeEvent, eventBufferSize)

	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.All); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.forwardEvents(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping", "dir", fw.watchDir)
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()
		slog.Info("file watcher stopped", "dir", fw.watchDir)
	})
}

func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}

func (fw *FileWatcher) forwardEvents(ctx context.Context) {
	defer func() {
		fw.wg.Done()
		close(fw.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case raw, ok := <-fw.rawEvents:
			if !ok {
				return
			}

			event := ChangeEvent{
				Path:      raw.Path(),
				Kind:      kindOf(raw.Event()),
				IsDir:     isDir(raw.Path()),
				Timestamp: time.Now(),
			}

			fw.filterMu.RLock()
			filter := fw.filter
			fw.filterMu.RUnlock()
			if filter != nil && filter(event.Path, event.IsDir) {
				continue
			}

			select {
			case fw.events <- event:
				slog.Debug("file watcher", "event", event.Kind, "path", event.Path)
			case <-fw.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func kindOf(e notify.Event) Kind {
	switch {
	case e&notify.Create != 0:
		return Created
	case e&notify.Remove != 0:
		return Deleted
	case e&notify.Rename != 0:
		return Renamed
	default:
		return Modified
	}
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
