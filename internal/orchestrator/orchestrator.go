// Package orchestrator drives the lifecycle of a check job: it claims
// tasks from the durable frontier, fans them out to workers, streams
// results to sinks, and supports pausing, resuming, and cancelling a
// run without losing work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/check"
	"github.com/avelieva/linksentry/internal/frontier"
	"github.com/avelieva/linksentry/internal/manifest"
	"github.com/avelieva/linksentry/internal/sink"
)

// Phase is the lifecycle state of a job.
type Phase string

// Job phases. Pausing and Resuming are transitional; Completed,
// Cancelled, and Failed are terminal.
const (
	Idle      Phase = "idle"
	Running   Phase = "running"
	Pausing   Phase = "pausing"
	Paused    Phase = "paused"
	Resuming  Phase = "resuming"
	Completed Phase = "completed"
	Cancelled Phase = "cancelled"
	Failed    Phase = "failed"
)

// ErrPhase signals an operation invoked in a phase that does not
// permit it.
var ErrPhase = errors.New("operation not valid in current phase")

// State is a point-in-time view of a job.
type State struct {
	JobID     string       `json:"job_id"`
	Phase     Phase        `json:"phase"`
	Counts    check.Counts `json:"counts"`
	StartedAt time.Time    `json:"started_at,omitempty"`
}

// HistoryRecorder persists the summary of a naturally completed run.
type HistoryRecorder interface {
	SaveSession(ctx context.Context, sum check.Summary, results []check.Record) (string, error)
}

// jobStore is the durable queue surface the orchestrator drives.
// *frontier.Frontier satisfies it.
type jobStore interface {
	SetManifest(ctx context.Context, m manifest.Manifest) error
	Manifest(ctx context.Context) (manifest.Manifest, bool, error)
	Enqueue(ctx context.Context, url, parentURL string, depth int) (bool, error)
	EnqueueSeeds(ctx context.Context, urls []string) error
	ClaimNext(ctx context.Context, workerID string) (check.Task, error)
	Complete(ctx context.Context, url string, rec check.Record) error
	RequeueInProgress(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (check.Counts, error)
	Results(ctx context.Context) ([]check.Record, error)
	Close() error
	Delete() error
}

type storeOpener func(dir, jobID string) (jobStore, error)

func openFrontier(dir, jobID string) (jobStore, error) {
	return frontier.Open(dir, jobID)
}

// Config holds orchestrator tunables.
type Config struct {
	// DataDir is where per-job frontier databases live.
	DataDir string
	// DeleteOnComplete removes the frontier store after a natural
	// completion. Paused stores are always retained.
	DeleteOnComplete bool
	// ClaimRetryWait is how long a worker backs off when the frontier
	// has claims outstanding but nothing pending.
	ClaimRetryWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimRetryWait <= 0 {
		c.ClaimRetryWait = 50 * time.Millisecond
	}
	return c
}

// Orchestrator runs one job. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	engine  check.Engine
	history HistoryRecorder
	logger  *zap.Logger
	clock   check.Clock
	extra   []check.Sink

	open storeOpener

	mu        sync.Mutex
	phase     Phase
	man       manifest.Manifest
	fr        jobStore
	collector *sink.Collector
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	cancelRequested bool
	runErr          error
	startedAt       time.Time
	lastCounts      check.Counts
	sessionID       string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSinks attaches additional sinks beyond the built-in collector.
func WithSinks(sinks ...check.Sink) Option {
	return func(o *Orchestrator) { o.extra = append(o.extra, sinks...) }
}

// WithClock replaces the time source.
func WithClock(c check.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds an orchestrator for one job. The manifest is validated
// here; Start rejects nothing the manifest already allowed.
func New(cfg Config, man manifest.Manifest, engine check.Engine, history HistoryRecorder, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if err := man.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		engine:    engine,
		history:   history,
		logger:    logger.With(zap.String("job_id", man.JobID)),
		clock:     systemClock{},
		open:      openFrontier,
		phase:     Idle,
		man:       man,
		collector: sink.NewCollector(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Manifest returns the manifest the job is currently bound to.
func (o *Orchestrator) Manifest() manifest.Manifest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.man
}

// Start moves the job from Idle to Running. A leftover frontier store
// for the same job id is treated as an interrupted run: its manifest
// must be compatible, its results are reloaded, and its in-progress
// claims are requeued before workers start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != Idle {
		return fmt.Errorf("%w: start from %s", ErrPhase, o.phase)
	}

	fr, err := o.open(o.cfg.DataDir, o.man.JobID)
	if err != nil {
		return fmt.Errorf("open frontier: %w", err)
	}

	prev, found, err := fr.Manifest(ctx)
	if err != nil {
		_ = fr.Close()
		return fmt.Errorf("read persisted manifest: %w", err)
	}
	if found {
		if err := o.man.CompatibleForResume(prev); err != nil {
			_ = fr.Close()
			return err
		}
		if err := o.reload(ctx, fr); err != nil {
			_ = fr.Close()
			return err
		}
		o.logger.Info("recovering interrupted job")
	} else {
		if err := fr.SetManifest(ctx, o.man); err != nil {
			_ = fr.Close()
			return fmt.Errorf("persist manifest: %w", err)
		}
		if err := fr.EnqueueSeeds(ctx, o.man.SeedURLs); err != nil {
			_ = fr.Close()
			return fmt.Errorf("enqueue seeds: %w", err)
		}
	}

	o.fr = fr
	o.startedAt = o.clock.Now()
	if err := o.begin(ctx); err != nil {
		o.phase = Failed
		return err
	}
	o.spawnLocked()
	o.phase = Running
	o.logger.Info("job started",
		zap.Int("workers", o.man.WorkerCount),
		zap.Strings("seeds", o.man.SeedURLs),
	)
	return nil
}

// reload repopulates the collector from the frontier's persisted
// results and returns interrupted claims to pending.
func (o *Orchestrator) reload(ctx context.Context, fr jobStore) error {
	results, err := fr.Results(ctx)
	if err != nil {
		return fmt.Errorf("reload results: %w", err)
	}
	o.collector = sink.NewCollector()
	for _, rec := range results {
		_ = o.collector.Record(ctx, rec)
	}
	requeued, err := fr.RequeueInProgress(ctx)
	if err != nil {
		return fmt.Errorf("requeue claims: %w", err)
	}
	if requeued > 0 {
		o.logger.Info("requeued interrupted claims", zap.Int64("count", requeued))
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context) error {
	for _, s := range o.allSinks() {
		if err := s.Begin(ctx, o.man.JobID); err != nil {
			return fmt.Errorf("sink begin: %w", err)
		}
	}
	return nil
}

// spawnLocked starts the worker pool and the monitor goroutine.
// Callers hold o.mu.
func (o *Orchestrator) spawnLocked() {
	runCtx, cancel := context.WithCancel(context.Background())
	o.runCancel = cancel

	scope := check.Scope{
		MaxDepth:        o.man.MaxDepth,
		IncludeExternal: o.man.IncludeExternal,
		SeedURLs:        o.man.SeedURLs,
	}
	for i := 0; i < o.man.WorkerCount; i++ {
		o.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer o.wg.Done()
			o.runWorker(runCtx, workerID, scope)
		}()
	}
	go func() {
		o.wg.Wait()
		cancel()
		o.finalize()
	}()
}

// runWorker claims and checks tasks until the frontier drains or the
// run is stopped. A finished check is always recorded and completed,
// even when the stop arrives while the record is being written; a
// check aborted mid-flight leaves its claim for RequeueInProgress.
func (o *Orchestrator) runWorker(runCtx context.Context, workerID string, scope check.Scope) {
	log := o.logger.With(zap.String("worker_id", workerID))
	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		task, err := o.fr.ClaimNext(runCtx, workerID)
		switch {
		case errors.Is(err, frontier.ErrEmpty):
			return
		case errors.Is(err, frontier.ErrBusy):
			select {
			case <-runCtx.Done():
				return
			case <-time.After(o.cfg.ClaimRetryWait):
			}
			continue
		case err != nil:
			if runCtx.Err() != nil {
				return
			}
			log.Error("claim failed", zap.Error(err))
			return
		}

		rec, children, err := o.engine.Check(runCtx, task, scope)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			rec = check.Record{
				URL:       task.URL,
				ParentURL: task.ParentURL,
				Depth:     task.Depth,
				Valid:     false,
				Size:      -1,
				Warnings:  []string{fmt.Sprintf("check failed: %v", err)},
				CheckedAt: o.clock.Now(),
			}
			children = nil
		}

		// The record must reach every sink before the task is marked
		// done, so a crash between the two repeats the check rather
		// than losing the result.
		storeCtx := context.WithoutCancel(runCtx)
		for _, s := range o.allSinks() {
			if serr := s.Record(storeCtx, rec); serr != nil {
				log.Warn("sink record failed", zap.String("url", rec.URL), zap.Error(serr))
			}
		}
		for _, child := range children {
			if _, cerr := o.fr.Enqueue(storeCtx, child, task.URL, task.Depth+1); cerr != nil {
				log.Warn("enqueue child failed", zap.String("url", child), zap.Error(cerr))
			}
		}
		if cerr := o.completeTask(storeCtx, task.URL, rec); cerr != nil {
			log.Error("complete failed", zap.String("url", task.URL), zap.Error(cerr))
			o.failRun(fmt.Errorf("complete %s: %w", task.URL, cerr))
			return
		}
	}
}

const completeAttempts = 3

// completeTask marks a claimed task done, retrying transient store
// errors. A claim that can never be completed would pin every worker
// on ErrBusy, so the caller fails the run when retries are exhausted.
func (o *Orchestrator) completeTask(ctx context.Context, url string, rec check.Record) error {
	var err error
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if err = o.fr.Complete(ctx, url, rec); err == nil {
			return nil
		}
		time.Sleep(o.cfg.ClaimRetryWait)
	}
	return err
}

// failRun aborts the current run segment after an unrecoverable store
// error. The monitor goroutine finishes the transition to Failed.
func (o *Orchestrator) failRun(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != Running && o.phase != Pausing {
		return
	}
	if o.runErr == nil {
		o.runErr = err
	}
	o.runCancel()
}

// finalize runs once per run segment, after every worker has exited.
func (o *Orchestrator) finalize() {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx := context.Background()
	if counts, err := o.fr.Counts(ctx); err != nil {
		o.logger.Warn("read final counts", zap.Error(err))
	} else {
		o.lastCounts = counts
	}
	sum := o.summaryLocked()

	switch {
	case o.cancelRequested:
		sum.Soft = true
		o.endSinks(ctx, sum)
		if err := o.fr.Delete(); err != nil {
			o.logger.Warn("delete frontier", zap.Error(err))
		}
		o.fr = nil
		o.phase = Cancelled
		o.logger.Info("job cancelled", zap.Int("checked", sum.Total))

	case o.runErr != nil:
		if requeued, err := o.fr.RequeueInProgress(ctx); err != nil {
			o.logger.Warn("requeue on failure", zap.Error(err))
		} else if requeued > 0 {
			o.lastCounts.Pending += requeued
			o.lastCounts.InProgress -= requeued
		}
		sum.Soft = true
		o.endSinks(ctx, sum)
		if err := o.fr.Close(); err != nil {
			o.logger.Warn("close frontier", zap.Error(err))
		}
		o.fr = nil
		o.phase = Failed
		o.logger.Error("job failed", zap.Error(o.runErr))

	case o.phase == Pausing:
		if requeued, err := o.fr.RequeueInProgress(ctx); err != nil {
			o.logger.Warn("requeue on pause", zap.Error(err))
		} else if requeued > 0 {
			o.lastCounts.Pending += requeued
			o.lastCounts.InProgress -= requeued
		}
		sum.Soft = true
		o.endSinks(ctx, sum)
		if err := o.fr.Close(); err != nil {
			o.logger.Warn("close frontier", zap.Error(err))
		}
		o.fr = nil
		o.phase = Paused
		o.logger.Info("job paused",
			zap.Int64("pending", o.lastCounts.Pending),
			zap.Int64("done", o.lastCounts.Done),
		)

	default: // frontier drained naturally
		if o.history != nil {
			id, err := o.history.SaveSession(ctx, sum, o.collector.Snapshot())
			if err != nil {
				o.logger.Error("save session", zap.Error(err))
			} else {
				o.sessionID = id
			}
		}
		o.endSinks(ctx, sum)
		if o.cfg.DeleteOnComplete {
			if err := o.fr.Delete(); err != nil {
				o.logger.Warn("delete frontier", zap.Error(err))
			}
		} else if err := o.fr.Close(); err != nil {
			o.logger.Warn("close frontier", zap.Error(err))
		}
		o.fr = nil
		o.phase = Completed
		o.logger.Info("job completed",
			zap.Int("checked", sum.Total),
			zap.Int("errors", sum.ErrorCount),
			zap.Duration("duration", sum.Duration),
		)
	}
}

func (o *Orchestrator) endSinks(ctx context.Context, sum check.Summary) {
	for _, s := range o.allSinks() {
		if err := s.End(ctx, sum); err != nil {
			o.logger.Warn("sink end failed", zap.Error(err))
		}
	}
}

// summaryLocked builds the run summary from collected records.
// Callers hold o.mu.
func (o *Orchestrator) summaryLocked() check.Summary {
	records := o.collector.Snapshot()
	sum := check.Summary{
		JobID:     o.man.JobID,
		SeedURLs:  o.man.SeedURLs,
		StartedAt: o.startedAt,
		Duration:  o.clock.Now().Sub(o.startedAt),
		Total:     len(records),
	}
	for _, rec := range records {
		switch {
		case !rec.Valid:
			sum.ErrorCount++
		case len(rec.Warnings) > 0:
			sum.ValidCount++
			sum.WarningCount++
		default:
			sum.ValidCount++
		}
	}
	return sum
}

// Pause asks a running job to stop claiming work. In-flight checks are
// abandoned and their claims returned to pending once workers exit.
// Pausing a job in any other phase is a no-op, so retries are harmless.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != Running {
		return nil
	}
	o.phase = Pausing
	o.runCancel()
	o.logger.Info("pause requested")
	return nil
}

// Resume continues a paused job under the given manifest. The manifest
// must match the persisted one on everything except worker count; any
// mismatch leaves the job Paused with its store untouched.
func (o *Orchestrator) Resume(ctx context.Context, man manifest.Manifest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != Paused {
		return fmt.Errorf("%w: resume from %s", ErrPhase, o.phase)
	}
	if err := man.Validate(); err != nil {
		return err
	}
	o.phase = Resuming

	fr, err := o.open(o.cfg.DataDir, o.man.JobID)
	if err != nil {
		o.phase = Paused
		return fmt.Errorf("reopen frontier: %w", err)
	}
	prev, found, err := fr.Manifest(ctx)
	if err != nil || !found {
		_ = fr.Close()
		o.phase = Paused
		if err == nil {
			err = errors.New("persisted manifest missing")
		}
		return fmt.Errorf("read persisted manifest: %w", err)
	}
	if err := man.CompatibleForResume(prev); err != nil {
		_ = fr.Close()
		o.phase = Paused
		return err
	}
	if err := o.reload(ctx, fr); err != nil {
		_ = fr.Close()
		o.phase = Paused
		return err
	}

	o.man = man
	o.fr = fr
	o.startedAt = o.clock.Now()
	o.cancelRequested = false
	o.runErr = nil
	if err := o.begin(ctx); err != nil {
		_ = fr.Close()
		o.fr = nil
		o.phase = Failed
		return err
	}
	o.spawnLocked()
	o.phase = Running
	o.logger.Info("job resumed", zap.Int("workers", o.man.WorkerCount))
	return nil
}

// Cancel terminates the job and discards its frontier store. A running
// or pausing job finishes cancelling asynchronously; a paused job is
// cancelled immediately. In any other phase Cancel is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.phase {
	case Running, Pausing:
		o.cancelRequested = true
		o.phase = Pausing
		o.runCancel()
		o.logger.Info("cancel requested")
		return nil
	case Paused:
		fr, err := o.open(o.cfg.DataDir, o.man.JobID)
		if err != nil {
			return fmt.Errorf("reopen frontier: %w", err)
		}
		if err := fr.Delete(); err != nil {
			return fmt.Errorf("delete frontier: %w", err)
		}
		o.phase = Cancelled
		o.logger.Info("paused job cancelled")
		return nil
	default:
		return nil
	}
}

// State reports the job's phase and task counts. While the frontier is
// open the counts are read live; afterwards the last observed counts
// are returned.
func (o *Orchestrator) State(ctx context.Context) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := State{JobID: o.man.JobID, Phase: o.phase, StartedAt: o.startedAt}
	if o.fr != nil {
		if counts, err := o.fr.Counts(ctx); err == nil {
			o.lastCounts = counts
		}
	}
	st.Counts = o.lastCounts
	return st
}

// ResultsSince returns the records appended at or after offset plus
// the offset to poll from next. It never blocks on workers. The
// collector pointer is read under the lock because reload swaps in a
// fresh collector on resume and crash recovery.
func (o *Orchestrator) ResultsSince(offset int) ([]check.Record, int) {
	o.mu.Lock()
	c := o.collector
	o.mu.Unlock()
	return c.Since(offset)
}

// SessionID returns the history session recorded at completion, or ""
// if the job has not completed naturally.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

func (o *Orchestrator) allSinks() []check.Sink {
	sinks := make([]check.Sink, 0, len(o.extra)+1)
	sinks = append(sinks, o.collector)
	sinks = append(sinks, o.extra...)
	return sinks
}
