package replication

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/opine/edgesync/internal/transfer"
	"github.com/opine/edgesync/internal/utils"
)

// Snapshot is the daemon state exposed through the status file and the
// status API.
type Snapshot struct {
	StartedAt     time.Time    `json:"started_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	MaxConcurrent int64        `json:"max_concurrent"`
	InFlight      int64        `json:"in_flight"`
	Queued        int64        `json:"queued"`
	PeakInFlight  int64        `json:"peak_in_flight"`
	Rules         []RuleStatus `json:"rules"`
}

type RuleStatus struct {
	Name            string        `json:"name"`
	Source          string        `json:"source"`
	Target          string        `json:"target"`
	State           string        `json:"state"`
	PendingEvents   int           `json:"pending_events"`
	PendingFailed   int           `json:"pending_failed"`
	Running         int           `json:"running"`
	LastFlushAt     *time.Time    `json:"last_flush_at,omitempty"`
	LastResult      *ResultStatus `json:"last_result,omitempty"`
	TransfersOK     int           `json:"transfers_ok"`
	TransfersFailed int           `json:"transfers_failed"`
	BytesTotal      int64         `json:"bytes_total"`
}

type ResultStatus struct {
	JobID      string    `json:"job_id"`
	Full       bool      `json:"full"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Paths      int       `json:"paths"`
	Bytes      int64     `json:"bytes"`
	FinishedAt time.Time `json:"finished_at"`
}

// Healthy reports false when the latest transfer of any rule failed.
func (s *Snapshot) Healthy() bool {
	for _, r := range s.Rules {
		if r.LastResult != nil && r.LastResult.Outcome == string(transfer.Failed) {
			return false
		}
	}
	return true
}

// Snapshot captures the current state of every rule.
func (d *Daemon) Snapshot() *Snapshot {
	snap := &Snapshot{
		StartedAt:     d.startedAt,
		UpdatedAt:     time.Now(),
		MaxConcurrent: d.executor.Limit(),
		InFlight:      d.executor.InFlight(),
		Queued:        d.executor.Queued(),
		PeakInFlight:  d.executor.Peak(),
		Rules:         make([]RuleStatus, 0, len(d.rules)),
	}

	for _, rr := range d.rules {
		status := RuleStatus{
			Name:          rr.rule.Name,
			Source:        rr.rule.Source,
			Target:        rr.rule.Target.Remote(),
			State:         rr.debouncer.State().String(),
			PendingEvents: rr.debouncer.Pending(),
		}

		rr.mu.Lock()
		status.Running = rr.running
		if !rr.lastFlushAt.IsZero() {
			at := rr.lastFlushAt
			status.LastFlushAt = &at
		}
		if r := rr.lastResult; r != nil {
			status.LastResult = &ResultStatus{
				JobID:      r.JobID,
				Full:       r.Full,
				Outcome:    string(r.Outcome),
				Reason:     r.Reason,
				Paths:      len(r.Paths),
				Bytes:      r.BytesTransferred,
				FinishedAt: r.FinishedAt,
			}
		}
		rr.mu.Unlock()

		if d.journal != nil {
			if pending, err := d.journal.Pending(rr.rule.Name); err == nil {
				status.PendingFailed = pending.Cardinality()
			}
			if stats, err := d.journal.Stats(rr.rule.Name); err == nil {
				status.TransfersOK = stats.Succeeded
				status.TransfersFailed = stats.Failed
				status.BytesTotal = stats.Bytes
			}
			// last result from a previous run
			if status.LastResult == nil {
				if recent, err := d.journal.Recent(rr.rule.Name, 1); err == nil && len(recent) == 1 {
					e := recent[0]
					status.LastResult = &ResultStatus{
						JobID:      e.ID,
						Full:       e.Full,
						Outcome:    e.Outcome,
						Reason:     e.Reason,
						Paths:      e.Paths,
						Bytes:      e.Bytes,
						FinishedAt: e.FinishedAt,
					}
				}
			}
		}
		snap.Rules = append(snap.Rules, status)
	}
	return snap
}

func (d *Daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := WriteStatus(d.cfg.StatusPath, d.Snapshot()); err != nil {
				slog.Warn("failed to write status", "path", d.cfg.StatusPath, "error", err)
			}
		}
	}
}

// WriteStatus atomically replaces the status file at path.
func WriteStatus(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

// ReadStatus loads a status file written by WriteStatus.
func ReadStatus(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse status file %s: %w", path, err)
	}
	return &snap, nil
}
