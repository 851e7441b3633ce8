package replication

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/journal"
	"github.com/opine/edgesync/internal/transfer"
	"github.com/opine/edgesync/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	root   string
	ready  chan<- string
	events chan watcher.ChangeEvent
	once   sync.Once

	mu     sync.Mutex
	filter watcher.FilterCallback
}

// Start reports readiness, so tests only emit once the filter is installed.
func (s *fakeSource) Start(ctx context.Context) error {
	s.ready <- s.root
	return nil
}

func (s *fakeSource) Stop() { s.once.Do(func() { close(s.events) }) }

func (s *fakeSource) Events() <-chan watcher.ChangeEvent {
	return s.events
}

func (s *fakeSource) FilterPaths(cb watcher.FilterCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = cb
}

func (s *fakeSource) emit(path string) {
	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()
	if filter != nil && filter(path, false) {
		return
	}
	s.events <- watcher.ChangeEvent{Path: path, Kind: watcher.Modified, Timestamp: time.Now()}
}

type sourceSet struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
	ready   chan string
}

func newSourceSet() *sourceSet {
	return &sourceSet{sources: make(map[string]*fakeSource), ready: make(chan string, 8)}
}

func (ss *sourceSet) factory(mode watcher.Mode, root string, _ time.Duration) watcher.Source {
	src := &fakeSource{root: root, ready: ss.ready, events: make(chan watcher.ChangeEvent, 64)}
	ss.mu.Lock()
	ss.sources[root] = src
	ss.mu.Unlock()
	return src
}

func (ss *sourceSet) get(root string) *fakeSource {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.sources[root]
}

type runCall struct {
	args  []string
	stdin string
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls []runCall
	fail  bool
	done  chan runCall
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{done: make(chan runCall, 16)}
}

func (r *scriptedRunner) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, int, error) {
	in, _ := io.ReadAll(stdin)
	c := runCall{args: args, stdin: string(in)}

	r.mu.Lock()
	r.calls = append(r.calls, c)
	fail := r.fail
	r.mu.Unlock()
	defer func() { r.done <- c }()

	if fail {
		return []byte("ssh: connect to host secondary port 22: Connection refused"), 255, errors.New("exit status 255")
	}
	return []byte("Total bytes sent: 2,048\n"), 0, nil
}

func (r *scriptedRunner) wait(t *testing.T) runCall {
	t.Helper()
	select {
	case c := <-r.done:
		return c
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no transfer ran")
	}
	return runCall{}
}

func testConfig(t *testing.T, rules ...*config.Rule) *config.Config {
	t.Helper()
	state := t.TempDir()
	return &config.Config{
		StatusPath:             filepath.Join(state, "status.json"),
		StatusInterval:         50 * time.Millisecond,
		MaxConcurrentTransfers: 2,
		MaxQueueDepth:          8,
		WatchMode:              watcher.ModeNotify,
		JournalPath:            filepath.Join(state, "journal.db"),
		LockPath:               filepath.Join(state, "edgesync.lock"),
		Rules:                  rules,
	}
}

func testRule(t *testing.T, name string) *config.Rule {
	t.Helper()
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "server.js"), []byte("x"), 0o644))
	return &config.Rule{
		Name:        name,
		Source:      source,
		Target:      config.Target{Host: "10.0.0.2", User: "deploy", Path: "/srv/" + name},
		Transport:   config.Transport{RsyncPath: "rsync", SSHPath: "ssh", StrictHostKeyChecking: "accept-new"},
		QuietPeriod: 0.05,
	}
}

func startDaemon(t *testing.T, d *Daemon) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel, errc
}

func waitReady(t *testing.T, ss *sourceSet) string {
	t.Helper()
	select {
	case root := <-ss.ready:
		return root
	case <-time.After(5 * time.Second):
		require.FailNow(t, "source never started")
	}
	return ""
}

func TestDaemon_BurstBecomesOneTransfer(t *testing.T) {
	rule := testRule(t, "api")
	runner := newScriptedRunner()
	ss := newSourceSet()

	d, err := New(testConfig(t, rule), WithRunner(runner), WithSourceFactory(ss.factory))
	require.NoError(t, err)
	startDaemon(t, d)

	src := ss.get(waitReady(t, ss))
	src.emit(filepath.Join(rule.Source, "server.js"))
	src.emit(filepath.Join(rule.Source, "routes", "users.js"))
	src.emit(filepath.Join(rule.Source, "server.js"))
	src.emit(filepath.Join(rule.Source, "node_modules", "x", "index.js"))
	src.emit(filepath.Join(rule.Source, ".env"))

	c := runner.wait(t)
	assert.Equal(t, "routes/users.js\x00server.js", c.stdin)
	assert.Contains(t, c.args, "--files-from=-")
	assert.Equal(t, "deploy@10.0.0.2:/srv/api/", c.args[len(c.args)-1])

	select {
	case extra := <-runner.done:
		t.Fatalf("unexpected second transfer: %v", extra.stdin)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDaemon_FailedPathsRideWithNextBatch(t *testing.T) {
	rule := testRule(t, "api")
	runner := newScriptedRunner()
	runner.setFail(true)
	ss := newSourceSet()

	cfg := testConfig(t, rule)
	j, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	d, err := New(cfg, WithRunner(runner), WithSourceFactory(ss.factory), WithJournal(j))
	require.NoError(t, err)
	startDaemon(t, d)

	src := ss.get(waitReady(t, ss))
	first := filepath.Join(rule.Source, "server.js")
	src.emit(first)
	runner.wait(t)

	require.Eventually(t, func() bool {
		pending, err := j.Pending("api")
		return err == nil && pending.Contains(first)
	}, 2*time.Second, 10*time.Millisecond)

	runner.setFail(false)
	src.emit(filepath.Join(rule.Source, "app.js"))
	c := runner.wait(t)
	assert.Equal(t, "app.js\x00server.js", c.stdin)

	require.Eventually(t, func() bool {
		pending, err := j.Pending("api")
		return err == nil && pending.Cardinality() == 0
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := j.Recent("api", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "succeeded", entries[0].Outcome)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, "failed", entries[1].Outcome)
}

func TestDaemon_InitialSyncRunsFullCopy(t *testing.T) {
	rule := testRule(t, "web")
	rule.InitialSync = true
	runner := newScriptedRunner()
	ss := newSourceSet()

	d, err := New(testConfig(t, rule), WithRunner(runner), WithSourceFactory(ss.factory))
	require.NoError(t, err)
	startDaemon(t, d)

	c := runner.wait(t)
	assert.Contains(t, c.args, "--delete")
	assert.NotContains(t, c.args, "--files-from=-")
	assert.NotContains(t, c.args, "--delete-excluded")
	assert.Empty(t, c.stdin)
	waitReady(t, ss)
}

func TestDaemon_RulesFailIndependently(t *testing.T) {
	api := testRule(t, "api")
	web := testRule(t, "web")
	runner := &perTargetRunner{failFor: "/srv/api/", done: make(chan string, 8)}
	ss := newSourceSet()

	d, err := New(testConfig(t, api, web), WithRunner(runner), WithSourceFactory(ss.factory))
	require.NoError(t, err)
	startDaemon(t, d)

	waitReady(t, ss)
	waitReady(t, ss)
	ss.get(api.Source).emit(filepath.Join(api.Source, "server.js"))
	ss.get(web.Source).emit(filepath.Join(web.Source, "server.js"))

	got := map[string]bool{}
	for range 2 {
		select {
		case dest := <-runner.done:
			got[dest] = true
		case <-time.After(5 * time.Second):
			require.FailNow(t, "transfers did not run")
		}
	}
	assert.True(t, got["deploy@10.0.0.2:/srv/api/"])
	assert.True(t, got["deploy@10.0.0.2:/srv/web/"])

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return len(snap.Rules) == 2 && snap.Rules[0].LastResult != nil && snap.Rules[1].LastResult != nil
	}, 2*time.Second, 10*time.Millisecond)

	snap := d.Snapshot()
	assert.Equal(t, "failed", snap.Rules[0].LastResult.Outcome)
	assert.Equal(t, "succeeded", snap.Rules[1].LastResult.Outcome)
	assert.False(t, snap.Healthy())
}

type perTargetRunner struct {
	failFor string
	done    chan string
}

func (r *perTargetRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, int, error) {
	dest := args[len(args)-1]
	defer func() { r.done <- dest }()
	if strings.Contains(dest, r.failFor) {
		return nil, 255, errors.New("exit status 255")
	}
	return nil, 0, nil
}

func TestDaemon_SecondInstanceIsRejected(t *testing.T) {
	rule := testRule(t, "api")
	cfg := testConfig(t, rule)
	ss := newSourceSet()

	first, err := New(cfg, WithRunner(newScriptedRunner()), WithSourceFactory(ss.factory))
	require.NoError(t, err)
	startDaemon(t, first)
	waitReady(t, ss)

	j, err := journal.Open("")
	require.NoError(t, err)
	defer j.Close()

	second, err := New(cfg, WithRunner(newScriptedRunner()), WithSourceFactory(newSourceSet().factory), WithJournal(j))
	require.NoError(t, err)
	err = second.Start(t.Context())
	require.Error(t, err)
	assert.True(t, config.IsPrecondition(err))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDaemon_StopKeepsUnflushedChanges(t *testing.T) {
	rule := testRule(t, "api")
	rule.QuietPeriod = 30
	cfg := testConfig(t, rule)
	ss := newSourceSet()

	j, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	defer j.Close()

	d, err := New(cfg, WithRunner(newScriptedRunner()), WithSourceFactory(ss.factory), WithJournal(j))
	require.NoError(t, err)
	cancel, errc := startDaemon(t, d)

	src := ss.get(waitReady(t, ss))
	changed := filepath.Join(rule.Source, "server.js")
	src.emit(changed)
	require.Eventually(t, func() bool { return d.Snapshot().Rules[0].PendingEvents == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "daemon did not stop")
	}

	pending, err := j.Pending("api")
	require.NoError(t, err)
	assert.True(t, pending.Contains(changed))

	snap, err := ReadStatus(cfg.StatusPath)
	require.NoError(t, err)
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, "api", snap.Rules[0].Name)
	assert.Equal(t, 1, snap.Rules[0].PendingFailed)
}

func TestNew_RequiredPathExcluded(t *testing.T) {
	rule := testRule(t, "api")
	require.NoError(t, os.MkdirAll(filepath.Join(rule.Source, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rule.Source, "dist", "index.html"), []byte("<html>"), 0o644))
	rule.Exclusions = []string{"dist/"}
	rule.Required = []string{"dist/index.html"}

	_, err := New(testConfig(t, rule), WithRunner(newScriptedRunner()))
	require.Error(t, err)
	assert.True(t, config.IsPrecondition(err))
	assert.Contains(t, err.Error(), "dist/index.html")
}

func TestNew_RequiredPathMissingOnlyWarns(t *testing.T) {
	rule := testRule(t, "api")
	rule.Required = []string{"build/**/*.js"}

	d, err := New(testConfig(t, rule), WithRunner(newScriptedRunner()))
	require.NoError(t, err)
	require.NoError(t, d.journal.Close())
}

func TestSnapshot_LastResultFromJournal(t *testing.T) {
	rule := testRule(t, "api")
	cfg := testConfig(t, rule)

	j, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	defer j.Close()

	finished := time.Now().Add(-time.Hour)
	require.NoError(t, j.Record(&transfer.Result{
		JobID:      "job-1",
		Rule:       "api",
		Paths:      []string{"server.js"},
		Outcome:    transfer.Failed,
		Reason:     "connection refused",
		Attempt:    1,
		StartedAt:  finished,
		FinishedAt: finished,
	}))

	d, err := New(cfg, WithRunner(newScriptedRunner()), WithJournal(j))
	require.NoError(t, err)

	snap := d.Snapshot()
	require.Len(t, snap.Rules, 1)
	last := snap.Rules[0].LastResult
	require.NotNil(t, last)
	assert.Equal(t, "job-1", last.JobID)
	assert.Equal(t, "failed", last.Outcome)
	assert.Equal(t, 1, last.Paths)
	assert.Equal(t, 1, snap.Rules[0].TransfersFailed)
	assert.False(t, snap.Healthy())
}

func TestDaemon_InstallsFilterBeforeWatching(t *testing.T) {
	rule := testRule(t, "api")
	ss := newSourceSet()
	d, err := New(testConfig(t, rule), WithRunner(newScriptedRunner()), WithSourceFactory(ss.factory))
	require.NoError(t, err)
	startDaemon(t, d)

	src := ss.get(waitReady(t, ss))
	src.mu.Lock()
	installed := src.filter != nil
	src.mu.Unlock()
	assert.True(t, installed)
}
