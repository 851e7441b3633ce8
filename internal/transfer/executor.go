package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/exclude"
	"golang.org/x/sync/semaphore"
)

type Outcome string

const (
	Pending   Outcome = "pending"
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// Job is one remote copy for a rule. A nil Paths with Full set copies the
// whole source tree.
type Job struct {
	ID      string
	Rule    *config.Rule
	Matcher *exclude.Matcher
	Paths   []string
	Full    bool
	Attempt int
}

// Result describes a finished (or rejected) job.
type Result struct {
	JobID            string
	Rule             string
	Full             bool
	Attempt          int
	Paths            []string
	Skipped          int
	BytesTransferred int64
	Outcome          Outcome
	Reason           string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Executor runs remote copies with a process-wide concurrency bound. Jobs
// beyond the bound wait in FIFO order.
type Executor struct {
	runner   Runner
	sem      *semaphore.Weighted
	limit    int64
	maxQueue int64

	inFlight atomic.Int64
	queued   atomic.Int64
	peak     atomic.Int64
}

func NewExecutor(runner Runner, maxConcurrent, maxQueue int) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if maxConcurrent < 1 {
		maxConcurrent = config.DefaultMaxConcurrentTransfers
	}
	return &Executor{
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		limit:    int64(maxConcurrent),
		maxQueue: int64(maxQueue),
	}
}

// Execute filters the job's paths through its matcher and runs the remote
// copy. It blocks until the copy finishes. ctx only bounds the wait for a
// free slot: a started copy always runs to completion.
func (e *Executor) Execute(ctx context.Context, job Job) (*Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	result := &Result{
		JobID:   job.ID,
		Rule:    job.Rule.Name,
		Full:    job.Full,
		Attempt: job.Attempt,
		Outcome: Pending,
	}

	var relPaths []string
	if !job.Full {
		relPaths = e.relativePaths(job)
		result.Paths = relPaths
		result.Skipped = len(job.Paths) - len(relPaths)
		if len(relPaths) == 0 {
			result.Outcome = Succeeded
			result.StartedAt = time.Now()
			result.FinishedAt = result.StartedAt
			slog.Debug("transfer skipped, nothing left after exclusions", "rule", job.Rule.Name, "job", job.ID)
			return result, nil
		}
	}

	if err := e.acquire(ctx); err != nil {
		terr := &TransferError{Rule: job.Rule.Name, Reason: err.Error(), Err: err}
		e.fail(result, terr)
		return result, terr
	}
	defer e.release()

	var exclusions []string
	if job.Matcher != nil {
		exclusions = job.Matcher.Rules()
	}
	args := buildArgs(job.Rule, exclusions, job.Full)

	result.StartedAt = time.Now()
	slog.Info("transfer start", "rule", job.Rule.Name, "job", job.ID, "full", job.Full, "paths", len(relPaths), "attempt", job.Attempt)

	// in-flight copies are not interrupted by shutdown
	runCtx := context.WithoutCancel(ctx)
	output, code, err := e.runner.Run(runCtx, job.Rule.Transport.RsyncPath, args, filesFrom(relPaths))
	result.FinishedAt = time.Now()

	if err != nil && code != exitVanished {
		reason := exitReason(code)
		if code < 0 {
			reason = err.Error()
		}
		terr := &TransferError{
			Rule:     job.Rule.Name,
			Reason:   reason,
			ExitCode: code,
			Output:   strings.TrimSpace(string(output)),
			Err:      err,
		}
		e.fail(result, terr)
		slog.Error("transfer failed", "rule", job.Rule.Name, "job", job.ID, "exit", code, "error", terr, "output", terr.Output)
		return result, terr
	}
	if code == exitVanished {
		slog.Warn("transfer completed with vanished source files", "rule", job.Rule.Name, "job", job.ID)
	}

	result.Outcome = Succeeded
	result.BytesTransferred = parseBytesSent(output)
	slog.Info("transfer done",
		"rule", job.Rule.Name,
		"job", job.ID,
		"sent", humanize.Bytes(uint64(result.BytesTransferred)),
		"took", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
	)
	return result, nil
}

func (e *Executor) fail(result *Result, terr *TransferError) {
	result.Outcome = Failed
	result.Reason = terr.Error()
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now()
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = result.FinishedAt
	}
}

func (e *Executor) acquire(ctx context.Context) error {
	if !e.sem.TryAcquire(1) {
		if !e.enqueue() {
			return ErrQueueFull
		}
		err := e.sem.Acquire(ctx, 1)
		e.queued.Add(-1)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
	}

	n := e.inFlight.Add(1)
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// enqueue reserves a waiting slot, never letting Queued exceed maxQueue.
func (e *Executor) enqueue() bool {
	for {
		n := e.queued.Load()
		if e.maxQueue > 0 && n >= e.maxQueue {
			return false
		}
		if e.queued.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *Executor) release() {
	e.inFlight.Add(-1)
	e.sem.Release(1)
}

// relativePaths applies the matcher and converts the job's paths to
// source-relative form.
func (e *Executor) relativePaths(job Job) []string {
	source := filepath.Clean(job.Rule.Source)
	seen := make(map[string]bool, len(job.Paths))
	rel := make([]string, 0, len(job.Paths))
	for _, p := range job.Paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(source, p)
		}
		r, err := filepath.Rel(source, abs)
		if err != nil || r == "." || r == ".." || strings.HasPrefix(r, "../") {
			continue
		}
		if job.Matcher != nil && job.Matcher.Excluded(abs, isDir(abs)) {
			continue
		}
		r = filepath.ToSlash(r)
		if !seen[r] {
			seen[r] = true
			rel = append(rel, r)
		}
	}
	return rel
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}

// InFlight is the number of copies currently running.
func (e *Executor) InFlight() int64 { return e.inFlight.Load() }

// Queued is the number of jobs waiting for a slot.
func (e *Executor) Queued() int64 { return e.queued.Load() }

// Peak is the highest InFlight value observed.
func (e *Executor) Peak() int64 { return e.peak.Load() }

// Limit is the configured concurrency bound.
func (e *Executor) Limit() int64 { return e.limit }
