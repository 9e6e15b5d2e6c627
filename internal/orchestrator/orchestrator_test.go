package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/check"
	"github.com/avelieva/linksentry/internal/frontier"
	"github.com/avelieva/linksentry/internal/manifest"
)

const waitFor = 5 * time.Second

func testManifest(jobID string) manifest.Manifest {
	return manifest.Manifest{
		JobID:       jobID,
		SeedURLs:    []string{"https://site.test/"},
		MaxDepth:    -1,
		WorkerCount: 2,
		CreatedAt:   time.Now().UTC(),
	}
}

// threePageSite links the seed to two children, one of which is broken.
func threePageSite() map[string]stubPage {
	return map[string]stubPage{
		"https://site.test/":  {valid: true, children: []string{"https://site.test/a", "https://site.test/b"}},
		"https://site.test/a": {valid: true},
		"https://site.test/b": {valid: false},
	}
}

func newTestOrchestrator(t *testing.T, man manifest.Manifest, eng check.Engine, hist HistoryRecorder, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	o, err := New(cfg, man, eng, hist, zap.NewNop())
	require.NoError(t, err)
	return o
}

func requirePhase(t *testing.T, o *Orchestrator, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.State(context.Background()).Phase == want
	}, waitFor, 10*time.Millisecond)
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	hist := &stubHistory{}
	cfg := Config{DataDir: t.TempDir(), DeleteOnComplete: true}
	o := newTestOrchestrator(t, testManifest("job-done"), eng, hist, cfg)

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)

	records, next := o.ResultsSince(0)
	require.Len(t, records, 3)
	require.Equal(t, 3, next)

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Len(t, hist.saved, 1)
	require.Equal(t, "job-done", hist.saved[0].JobID)
	require.Equal(t, 3, hist.saved[0].Total)
	require.Equal(t, 1, hist.saved[0].ErrorCount)
	require.Len(t, hist.results[0], 3)
	require.Equal(t, "session-1", o.SessionID())

	// Completed stores are discarded when configured to.
	require.False(t, frontier.Exists(cfg.DataDir, "job-done"))
}

func TestCompletionRetainsStoreWhenConfigured(t *testing.T) {
	t.Parallel()
	cfg := Config{DataDir: t.TempDir(), DeleteOnComplete: false}
	o := newTestOrchestrator(t, testManifest("job-keep"), newStubEngine(threePageSite()), &stubHistory{}, cfg)

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)
	require.True(t, frontier.Exists(cfg.DataDir, "job-keep"))
}

func TestStartRejectsNonIdle(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, testManifest("job-twice"), newStubEngine(threePageSite()), &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)
	require.ErrorIs(t, o.Start(context.Background()), ErrPhase)
}

func TestPauseAndCancelAreNoOpsWhenTerminal(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, testManifest("job-terminal"), newStubEngine(threePageSite()), &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)

	require.NoError(t, o.Pause(context.Background()))
	require.NoError(t, o.Cancel(context.Background()))
	require.Equal(t, Completed, o.State(context.Background()).Phase)
}

func TestPauseRequeuesInFlightClaims(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	cfg := Config{DataDir: t.TempDir()}
	o := newTestOrchestrator(t, testManifest("job-pause"), eng, &stubHistory{}, cfg)

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)

	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)

	// The aborted claim returned to pending and nothing was recorded.
	st := o.State(context.Background())
	require.Equal(t, int64(0), st.Counts.Done)
	require.Equal(t, int64(0), st.Counts.InProgress)
	require.Equal(t, int64(1), st.Counts.Pending)
	records, _ := o.ResultsSince(0)
	require.Empty(t, records)

	// The store survives a pause.
	require.True(t, frontier.Exists(cfg.DataDir, "job-pause"))

	// Pausing an already paused job is a no-op.
	require.NoError(t, o.Pause(context.Background()))
}

func TestResumeCompletesRemainingWork(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	hist := &stubHistory{}
	o := newTestOrchestrator(t, testManifest("job-resume"), eng, hist, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)

	eng.release()
	require.NoError(t, o.Resume(context.Background(), testManifest("job-resume")))
	requirePhase(t, o, Completed)

	// Every page checked, none reported twice.
	records, _ := o.ResultsSince(0)
	require.Len(t, records, 3)
	seen := map[string]bool{}
	for _, rec := range records {
		require.False(t, seen[rec.URL], "duplicate record for %s", rec.URL)
		seen[rec.URL] = true
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Len(t, hist.saved, 1)
	require.Equal(t, 3, hist.saved[0].Total)
}

func TestResumeMismatchFailsClosed(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	o := newTestOrchestrator(t, testManifest("job-mismatch"), eng, &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)
	before := o.State(context.Background()).Counts

	wrong := testManifest("job-mismatch")
	wrong.SeedURLs = []string{"https://other.test/"}
	require.ErrorIs(t, o.Resume(context.Background(), wrong), manifest.ErrMismatch)

	// Still paused, store untouched.
	st := o.State(context.Background())
	require.Equal(t, Paused, st.Phase)
	require.Equal(t, before, st.Counts)

	// A compatible manifest still resumes afterwards.
	eng.release()
	require.NoError(t, o.Resume(context.Background(), testManifest("job-mismatch")))
	requirePhase(t, o, Completed)
}

func TestResumeAllowsWorkerCountChange(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	o := newTestOrchestrator(t, testManifest("job-workers"), eng, &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)

	eng.release()
	wider := testManifest("job-workers")
	wider.WorkerCount = 4
	require.NoError(t, o.Resume(context.Background(), wider))
	requirePhase(t, o, Completed)
}

func TestCancelRunningDiscardsStore(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	cfg := Config{DataDir: t.TempDir()}
	o := newTestOrchestrator(t, testManifest("job-cancel"), eng, &stubHistory{}, cfg)

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Cancel(context.Background()))
	requirePhase(t, o, Cancelled)

	require.False(t, frontier.Exists(cfg.DataDir, "job-cancel"))
	require.ErrorIs(t, o.Resume(context.Background(), testManifest("job-cancel")), ErrPhase)
}

func TestCancelPausedJob(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	cfg := Config{DataDir: t.TempDir()}
	o := newTestOrchestrator(t, testManifest("job-cancel-paused"), eng, &stubHistory{}, cfg)

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)

	require.NoError(t, o.Cancel(context.Background()))
	require.Equal(t, Cancelled, o.State(context.Background()).Phase)
	require.False(t, frontier.Exists(cfg.DataDir, "job-cancel-paused"))
}

func TestCancelledJobsSaveNoHistory(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	hist := &stubHistory{}
	o := newTestOrchestrator(t, testManifest("job-no-history"), eng, hist, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Cancel(context.Background()))
	requirePhase(t, o, Cancelled)

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Empty(t, hist.saved)
}

func TestStartRecoversInterruptedStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	man := testManifest("job-recover")
	ctx := context.Background()

	// Simulate a previous process that died mid-run: one claim open,
	// nothing completed.
	fr, err := frontier.Open(dir, man.JobID)
	require.NoError(t, err)
	require.NoError(t, fr.SetManifest(ctx, man))
	require.NoError(t, fr.EnqueueSeeds(ctx, man.SeedURLs))
	_, err = fr.ClaimNext(ctx, "dead-worker")
	require.NoError(t, err)
	require.NoError(t, fr.Close())

	o := newTestOrchestrator(t, man, newStubEngine(threePageSite()), &stubHistory{}, Config{DataDir: dir, DeleteOnComplete: true})
	require.NoError(t, o.Start(ctx))
	requirePhase(t, o, Completed)

	records, _ := o.ResultsSince(0)
	require.Len(t, records, 3)
}

func TestStartRejectsIncompatibleLeftoverStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	prev := testManifest("job-stale")
	ctx := context.Background()

	fr, err := frontier.Open(dir, prev.JobID)
	require.NoError(t, err)
	require.NoError(t, fr.SetManifest(ctx, prev))
	require.NoError(t, fr.Close())

	man := testManifest("job-stale")
	man.MaxDepth = 2
	o := newTestOrchestrator(t, man, newStubEngine(threePageSite()), &stubHistory{}, Config{DataDir: dir})
	require.ErrorIs(t, o.Start(ctx), manifest.ErrMismatch)
	require.Equal(t, Idle, o.State(ctx).Phase)
}

func TestEngineErrorBecomesInvalidRecord(t *testing.T) {
	t.Parallel()
	site := threePageSite()
	site["https://site.test/a"] = stubPage{err: errors.New("resolver exploded")}
	o := newTestOrchestrator(t, testManifest("job-engine-err"), newStubEngine(site), &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)

	records, _ := o.ResultsSince(0)
	require.Len(t, records, 3)
	var errRec check.Record
	for _, rec := range records {
		if rec.URL == "https://site.test/a" {
			errRec = rec
		}
	}
	require.False(t, errRec.Valid)
	require.Contains(t, errRec.Warnings[0], "resolver exploded")
}

func TestResultsSincePolling(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, testManifest("job-poll"), newStubEngine(threePageSite()), &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Completed)

	batch, next := o.ResultsSince(0)
	require.Len(t, batch, 3)
	batch, next = o.ResultsSince(next)
	require.Empty(t, batch)
	require.Equal(t, 3, next)
}

func TestResultsSincePollingDuringResume(t *testing.T) {
	t.Parallel()
	eng := newStubEngine(threePageSite())
	eng.block()
	o := newTestOrchestrator(t, testManifest("job-poll-resume"), eng, &stubHistory{}, Config{DataDir: t.TempDir()})

	require.NoError(t, o.Start(context.Background()))
	eng.awaitEntered(t)
	require.NoError(t, o.Pause(context.Background()))
	requirePhase(t, o, Paused)

	// Poll continuously while resume reloads the collector.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				o.ResultsSince(0)
			}
		}
	}()

	eng.release()
	require.NoError(t, o.Resume(context.Background(), testManifest("job-poll-resume")))
	requirePhase(t, o, Completed)
	close(stop)
	wg.Wait()

	records, next := o.ResultsSince(0)
	require.Len(t, records, 3)
	require.Equal(t, 3, next)
}

func TestPersistentCompleteFailureFailsRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	hist := &stubHistory{}
	cfg := Config{DataDir: dir, ClaimRetryWait: time.Millisecond, DeleteOnComplete: true}
	o := newTestOrchestrator(t, testManifest("job-badstore"), newStubEngine(threePageSite()), hist, cfg)
	o.open = func(dir, jobID string) (jobStore, error) {
		fr, err := frontier.Open(dir, jobID)
		if err != nil {
			return nil, err
		}
		return &completeFailingStore{Frontier: fr}, nil
	}

	require.NoError(t, o.Start(context.Background()))
	requirePhase(t, o, Failed)

	// The store survives for inspection and holds no stale claims.
	require.True(t, frontier.Exists(dir, "job-badstore"))
	fr, err := frontier.Open(dir, "job-badstore")
	require.NoError(t, err)
	defer fr.Close()
	counts, err := fr.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.InProgress)
	require.GreaterOrEqual(t, counts.Pending, int64(1))

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Empty(t, hist.saved)
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	eng := newStubEngine(threePageSite())
	eng.block()
	reg := NewRegistry(func(man manifest.Manifest) (*Orchestrator, error) {
		return New(Config{DataDir: dir}, man, eng, &stubHistory{}, zap.NewNop())
	})
	ctx := context.Background()

	o, err := reg.Start(ctx, testManifest("job-reg"))
	require.NoError(t, err)
	eng.awaitEntered(t)

	_, err = reg.Start(ctx, testManifest("job-reg"))
	require.ErrorIs(t, err, ErrJobActive)

	got, err := reg.Get("job-reg")
	require.NoError(t, err)
	require.Same(t, o, got)

	_, err = reg.Get("nope")
	require.ErrorIs(t, err, ErrUnknownJob)

	require.Len(t, reg.List(ctx), 1)

	require.NoError(t, o.Cancel(ctx))
	requirePhase(t, o, Cancelled)

	// Terminal jobs free their id for reuse.
	eng.release()
	_, err = reg.Start(ctx, testManifest("job-reg"))
	require.NoError(t, err)
}

// stubPage describes one URL of a simulated site.
type stubPage struct {
	valid    bool
	children []string
	err      error
}

// stubEngine serves checks from an in-memory site map. When blocked it
// holds every check until released or the context is cancelled.
type stubEngine struct {
	mu      sync.Mutex
	pages   map[string]stubPage
	checked map[string]int
	gate    chan struct{}
	entered chan string
}

func newStubEngine(pages map[string]stubPage) *stubEngine {
	return &stubEngine{
		pages:   pages,
		checked: make(map[string]int),
		entered: make(chan string, 64),
	}
}

func (e *stubEngine) block() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
}

func (e *stubEngine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate != nil {
		close(e.gate)
	}
}

func (e *stubEngine) awaitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-e.entered:
	case <-time.After(waitFor):
		t.Fatal("no check started in time")
	}
}

func (e *stubEngine) Check(ctx context.Context, task check.Task, _ check.Scope) (check.Record, []string, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()

	select {
	case e.entered <- task.URL:
	default:
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return check.Record{}, nil, ctx.Err()
		case <-gate:
		}
	}

	e.mu.Lock()
	e.checked[task.URL]++
	page, ok := e.pages[task.URL]
	e.mu.Unlock()
	if !ok {
		return check.Record{}, nil, fmt.Errorf("unknown url %s", task.URL)
	}
	if page.err != nil {
		return check.Record{}, nil, page.err
	}

	rec := check.Record{
		URL:       task.URL,
		ParentURL: task.ParentURL,
		Depth:     task.Depth,
		Valid:     page.valid,
		Size:      128,
		CheckedAt: time.Now().UTC(),
	}
	if !page.valid {
		rec.Warnings = []string{"404 Not Found"}
	}
	return rec, page.children, nil
}

// completeFailingStore behaves like a real frontier except that every
// Complete fails, simulating a store that can no longer be written.
type completeFailingStore struct {
	*frontier.Frontier
}

func (s *completeFailingStore) Complete(context.Context, string, check.Record) error {
	return errors.New("disk I/O error")
}

// stubHistory records SaveSession calls in memory.
type stubHistory struct {
	mu      sync.Mutex
	saved   []check.Summary
	results [][]check.Record
}

func (h *stubHistory) SaveSession(_ context.Context, sum check.Summary, results []check.Record) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, sum)
	h.results = append(h.results, results)
	return fmt.Sprintf("session-%d", len(h.saved)), nil
}
