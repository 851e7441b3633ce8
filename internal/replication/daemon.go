package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/debounce"
	"github.com/opine/edgesync/internal/exclude"
	"github.com/opine/edgesync/internal/journal"
	"github.com/opine/edgesync/internal/transfer"
	"github.com/opine/edgesync/internal/utils"
	"github.com/opine/edgesync/internal/watcher"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("another replication daemon holds the lock")

// SourceFactory creates the change source for a rule's root.
type SourceFactory func(mode watcher.Mode, root string, pollInterval time.Duration) watcher.Source

type Option func(*Daemon)

// WithRunner replaces the command runner used for remote copies.
func WithRunner(runner transfer.Runner) Option {
	return func(d *Daemon) {
		d.runner = runner
	}
}

// WithSourceFactory replaces how watch subscriptions are created.
func WithSourceFactory(factory SourceFactory) Option {
	return func(d *Daemon) {
		d.newSource = factory
	}
}

// WithJournal uses an already opened journal. The daemon does not close it.
func WithJournal(j *journal.Journal) Option {
	return func(d *Daemon) {
		d.journal = j
		d.ownsJournal = false
	}
}

type ruleRunner struct {
	rule      *config.Rule
	matcher   *exclude.Matcher
	debouncer *debounce.Debouncer
	source    watcher.Source
	needsFull atomic.Bool

	mu          sync.Mutex
	lastFlushAt time.Time
	lastResult  *transfer.Result
	running     int
}

// Daemon replicates every configured rule from this node to its secondary.
type Daemon struct {
	cfg         *config.Config
	runner      transfer.Runner
	executor    *transfer.Executor
	journal     *journal.Journal
	ownsJournal bool
	lock        *flock.Flock
	newSource   SourceFactory
	rules       []*ruleRunner
	startedAt   time.Time

	// stopCtx ends the wait of queued jobs on shutdown; running copies
	// are never interrupted.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	dispatchMu sync.Mutex
	stopping   bool
	inflight   sync.WaitGroup
}

func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:         cfg,
		ownsJournal: true,
		newSource:   watcher.New,
		lock:        flock.New(cfg.LockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.executor = transfer.NewExecutor(d.runner, cfg.MaxConcurrentTransfers, cfg.MaxQueueDepth)
	d.startedAt = time.Now()

	for _, rule := range cfg.Rules {
		matcher, err := exclude.New(rule.Source, rule.EffectiveExclusions())
		if err != nil {
			return nil, &config.PreconditionError{Field: "rules[" + rule.Name + "].exclusions", Reason: err.Error()}
		}
		if err := checkRequired(rule, matcher); err != nil {
			return nil, err
		}
		rr := &ruleRunner{rule: rule, matcher: matcher}
		rr.debouncer = debounce.New(rule.Source, rule.QuietPeriodDuration(), func(batch *debounce.PendingBatch) {
			d.dispatch(rr, batch)
		})
		d.rules = append(d.rules, rr)
	}

	if d.journal == nil {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		d.journal = j
	}
	return d, nil
}

// Executor exposes the shared transfer executor.
func (d *Daemon) Executor() *transfer.Executor {
	return d.executor
}

// Start runs until ctx is cancelled. In-flight transfers finish before it
// returns.
func (d *Daemon) Start(ctx context.Context) error {
	if d.ownsJournal {
		defer d.journal.Close()
	}

	if err := utils.EnsureParent(d.cfg.LockPath); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.cfg.LockPath, err)
	}
	if !locked {
		return &config.PreconditionError{
			Field:  "lock_path",
			Reason: fmt.Sprintf("%s: %v", d.cfg.LockPath, ErrAlreadyRunning),
			Err:    ErrAlreadyRunning,
		}
	}
	defer d.unlock()

	d.stopCtx, d.stopCancel = context.WithCancel(context.Background())
	defer d.stopCancel()

	slog.Info("replication daemon start", "rules", len(d.rules), "max_concurrent", d.cfg.MaxConcurrentTransfers, "watch_mode", d.cfg.WatchMode)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, rr := range d.rules {
		eg.Go(func() error {
			return d.runRule(egCtx, rr)
		})
	}
	eg.Go(func() error {
		d.statusLoop(egCtx)
		return nil
	})

	err = eg.Wait()
	d.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("replication daemon failure", "error", err)
		return err
	}
	slog.Info("replication daemon stopped")
	return nil
}

func (d *Daemon) runRule(ctx context.Context, rr *ruleRunner) error {
	rule := rr.rule

	if rule.InitialSync {
		slog.Info("initial sync", "rule", rule.Name, "source", rule.Source, "target", rule.Target.Remote())
		d.transfer(ctx, rr, nil, true)
	}
	if ctx.Err() != nil {
		return nil
	}

	source := d.newSource(d.cfg.WatchMode, rule.Source, d.cfg.PollInterval)
	source.FilterPaths(rr.matcher.Excluded)
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch %s: %w", rule.Source, err)
	}
	rr.mu.Lock()
	rr.source = source
	rr.mu.Unlock()

	rr.debouncer.Run(ctx, source.Events())
	return nil
}

// dispatch runs on the debouncer's timer goroutine; the transfer itself is
// handed to a goroutine so other roots keep flushing.
func (d *Daemon) dispatch(rr *ruleRunner, batch *debounce.PendingBatch) {
	rr.mu.Lock()
	rr.lastFlushAt = time.Now()
	rr.mu.Unlock()

	paths := batch.Paths()

	d.dispatchMu.Lock()
	if d.stopping {
		d.dispatchMu.Unlock()
		d.keepPending(rr, paths)
		return
	}
	d.inflight.Add(1)
	d.dispatchMu.Unlock()

	go func() {
		defer d.inflight.Done()
		d.transfer(d.stopCtx, rr, paths, false)
	}()
}

// transfer runs one job for rr. Paths that failed earlier are folded into the
// job; a failure leaves the job's paths pending for the next change event.
func (d *Daemon) transfer(ctx context.Context, rr *ruleRunner, paths []string, full bool) {
	rule := rr.rule

	if !full && rr.needsFull.Swap(false) {
		full = true
	}

	retry, err := d.journal.Pending(rule.Name)
	if err != nil {
		slog.Warn("failed to read pending paths", "rule", rule.Name, "error", err)
	}
	attempt := 1
	if retry != nil && retry.Cardinality() > 0 {
		attempt = 2
		if !full {
			merged := retry.Clone()
			merged.Append(paths...)
			paths = merged.ToSlice()
			slices.Sort(paths)
		}
	}

	rr.mu.Lock()
	rr.running++
	rr.mu.Unlock()

	result, err := d.executor.Execute(ctx, transfer.Job{
		Rule:    rule,
		Matcher: rr.matcher,
		Paths:   paths,
		Full:    full,
		Attempt: attempt,
	})

	rr.mu.Lock()
	rr.running--
	rr.lastResult = result
	rr.mu.Unlock()

	if recErr := d.journal.Record(result); recErr != nil {
		slog.Warn("failed to record transfer", "rule", rule.Name, "error", recErr)
	}

	if err != nil {
		// no retry loop: the paths ride along with the rule's next batch
		slog.Error("transfer abandoned until next change", "rule", rule.Name, "job", result.JobID, "paths", len(paths), "error", err)
		if full {
			rr.needsFull.Store(true)
		}
		d.keepPending(rr, paths)
		return
	}

	var done []string
	if !full {
		done = paths
	}
	if err := d.journal.ClearPending(rule.Name, done); err != nil {
		slog.Warn("failed to clear pending paths", "rule", rule.Name, "error", err)
	}
}

func (d *Daemon) keepPending(rr *ruleRunner, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := d.journal.AddPending(rr.rule.Name, paths); err != nil {
		slog.Error("failed to keep pending paths", "rule", rr.rule.Name, "paths", len(paths), "error", err)
	}
}

func (d *Daemon) shutdown() {
	slog.Info("replication daemon stopping")

	for _, rr := range d.rules {
		rr.mu.Lock()
		source := rr.source
		rr.mu.Unlock()
		if source != nil {
			source.Stop()
		}
	}

	d.dispatchMu.Lock()
	d.stopping = true
	d.dispatchMu.Unlock()
	d.stopCancel()

	for _, rr := range d.rules {
		if batch := rr.debouncer.Stop(); batch != nil {
			slog.Info("keeping unflushed changes for next start", "rule", rr.rule.Name, "paths", batch.Touched.Cardinality())
			d.keepPending(rr, batch.Paths())
		}
	}

	d.inflight.Wait()

	if err := WriteStatus(d.cfg.StatusPath, d.Snapshot()); err != nil {
		slog.Warn("failed to write final status", "path", d.cfg.StatusPath, "error", err)
	}
}

func (d *Daemon) unlock() {
	if !d.lock.Locked() {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		slog.Warn("failed to release lock", "path", d.cfg.LockPath, "error", err)
	}
}
