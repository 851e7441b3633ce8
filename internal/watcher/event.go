package watcher

import (
	"context"
	"time"
)

// Kind classifies a filesystem change.
type Kind int

const (
	Created Kind = iota + 1
	Modified
	Deleted
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single change observed beneath a watched root.
type ChangeEvent struct {
	Path      string
	Kind      Kind
	IsDir     bool
	Timestamp time.Time
}

// FilterCallback returns true if the event for path should be dropped.
type FilterCallback func(path string, isDir bool) bool

// Source is a stream of change events for one root.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan ChangeEvent
	FilterPaths(callback FilterCallback)
}

// Mode selects how a root is observed.
type Mode string

const (
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"
)

// New returns a Source for root in the given mode.
func New(mode Mode, root string, pollInterval time.Duration) Source {
	if mode == ModePoll {
		return NewPoller(root, pollInterval)
	}
	return NewFileWatcher(root)
}
