package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"runnerd/internal/config"
	"runnerd/internal/history"
	"runnerd/internal/joblog"
	"runnerd/internal/locker"
	"runnerd/internal/logging"
	"runnerd/internal/pipeline"
	"runnerd/internal/supervise"
)

var (
	// ErrNotFound is returned when a job id is unknown to the registry.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrShuttingDown is returned for submissions during drain.
	ErrShuttingDown = errors.New("registry is shutting down")
)

// StartResult is the outcome of a StartJob call. Duplicate marks that an
// identical request was already in flight and Job describes that run.
type StartResult struct {
	Job       Job
	Duplicate bool
}

// Stats summarizes registry occupancy for health reporting.
type Stats struct {
	Active   int
	Terminal int
	Locks    int
}

type trackedJob struct {
	job         Job
	fingerprint string
	handle      *supervise.Handle
	cancelEarly bool
}

// Registry owns the job table and composes the lock manager, idempotency
// guard, log buffer, and process supervisor into the orchestrator contract.
type Registry struct {
	cfg        *config.Config
	logger     *slog.Logger
	locks      *locker.Manager
	logs       *joblog.Buffer
	supervisor *supervise.Supervisor
	builder    *pipeline.Builder
	guard      *Guard
	hist       *history.Store

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*trackedJob
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry constructs a registry over the loaded configuration. hist may
// be nil to run without persistent run history.
func NewRegistry(cfg *config.Config, logger *slog.Logger, hist *history.Store) *Registry {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	grace := time.Duration(cfg.Pipeline.GracePeriod) * time.Second
	return &Registry{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "registry"),
		locks:      locker.NewManager(),
		logs:       joblog.NewBuffer(cfg.Logging.BufferLines),
		supervisor: supervise.New(logger, grace),
		builder:    pipeline.NewBuilder(cfg),
		guard:      NewGuard(),
		hist:       hist,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		jobs:       make(map[string]*trackedJob),
	}
}

// StartJob submits a run request. The call returns once the lock is held and
// the spawn has been initiated; it never waits for the pipeline to finish.
// Identical concurrent requests return the in-flight job with Duplicate set;
// a held resource key returns *locker.BusyError and creates nothing.
func (r *Registry) StartJob(kind pipeline.Kind, resourceKey string, params pipeline.Params) (StartResult, error) {
	params = params.Normalize()
	if resourceKey == "" {
		resourceKey = pipeline.ResourceKey(kind, params)
	}
	fp := Fingerprint(kind, resourceKey, params)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StartResult{}, ErrShuttingDown
	}
	if existingID, ok := r.guard.InFlight(fp); ok {
		if tracked := r.jobs[existingID]; tracked != nil {
			snap := tracked.job.snapshot()
			r.mu.Unlock()
			r.logger.Info("duplicate submission coalesced",
				logging.String(logging.FieldJobID, existingID),
				logging.String(logging.FieldPipeline, string(kind)),
				logging.String(logging.FieldResourceKey, resourceKey))
			return StartResult{Job: snap, Duplicate: true}, nil
		}
	}

	jobID := uuid.NewString()
	if err := r.locks.Acquire(resourceKey, jobID); err != nil {
		r.mu.Unlock()
		return StartResult{}, err
	}

	now := time.Now().UTC()
	tracked := &trackedJob{
		job: Job{
			ID:          jobID,
			Kind:        kind,
			ResourceKey: resourceKey,
			Params:      params,
			State:       StateQueued,
			CreatedAt:   now,
		},
		fingerprint: fp,
	}
	r.jobs[jobID] = tracked
	r.guard.Register(fp, jobID)
	r.wg.Add(1)
	snap := tracked.job.snapshot()
	r.mu.Unlock()

	r.logger.Info("job queued",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldPipeline, string(kind)),
		logging.String(logging.FieldResourceKey, resourceKey))

	go r.launch(tracked)

	return StartResult{Job: snap}, nil
}

func (r *Registry) launch(t *trackedJob) {
	defer r.wg.Done()

	jobID := t.job.ID
	inv, err := r.builder.Build(t.job.Kind, t.job.Params)
	if err != nil {
		r.logs.Append(jobID, joblog.StreamStderr, err.Error())
		r.finalize(jobID, func(job *Job) {
			job.State = StateFailed
			job.FailureKind = FailureSpawn
			job.ErrorSummary = err.Error()
		})
		return
	}

	r.logs.Append(jobID, joblog.StreamStdout, "starting command: "+inv.String())
	sink := func(stream joblog.Stream, text string) {
		r.logs.Append(jobID, stream, text)
	}

	handle, err := r.supervisor.Start(r.baseCtx, supervise.Spec{
		Command:     inv.Command,
		Args:        inv.Args,
		Env:         inv.Env,
		WorkingDir:  inv.WorkingDir,
		Timeout:     time.Duration(r.cfg.Pipeline.Timeout) * time.Second,
		GracePeriod: time.Duration(r.cfg.Pipeline.GracePeriod) * time.Second,
	}, sink)
	if err != nil {
		r.logs.Append(jobID, joblog.StreamStderr, "spawn failed: "+err.Error())
		r.finalize(jobID, func(job *Job) {
			job.State = StateFailed
			job.FailureKind = FailureSpawn
			job.ErrorSummary = fmt.Sprintf("spawn failed: %v", err)
		})
		return
	}

	r.mu.Lock()
	t.handle = handle
	now := time.Now().UTC()
	t.job.State = StateRunning
	t.job.StartedAt = &now
	cancelEarly := t.cancelEarly
	r.mu.Unlock()

	r.logger.Info("pipeline started",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldPipeline, string(t.job.Kind)))

	if cancelEarly {
		handle.Cancel()
	}

	<-handle.Done()
	r.applyOutcome(jobID, handle.Outcome())
}

func (r *Registry) applyOutcome(jobID string, outcome supervise.Outcome) {
	r.finalize(jobID, func(job *Job) {
		code := outcome.ExitCode
		switch outcome.TerminatedBy {
		case supervise.TerminatedTimeout:
			job.State = StateFailed
			job.FailureKind = FailureTimeout
			job.ErrorSummary = fmt.Sprintf("run exceeded timeout of %ds", r.cfg.Pipeline.Timeout)
			r.logs.Append(jobID, joblog.StreamStderr, job.ErrorSummary)
		case supervise.TerminatedCancel:
			job.State = StateCancelled
			job.ErrorSummary = "run cancelled"
			r.logs.Append(jobID, joblog.StreamStderr, "run cancelled")
		default:
			job.ExitCode = &code
			switch {
			case outcome.Err != nil:
				job.State = StateFailed
				job.FailureKind = FailureInternal
				job.ErrorSummary = outcome.Err.Error()
				r.logs.Append(jobID, joblog.StreamStderr, "supervisor error: "+outcome.Err.Error())
			case code == 0:
				job.State = StateSucceeded
				r.logs.Append(jobID, joblog.StreamStdout, "process completed successfully")
			default:
				job.State = StateFailed
				job.FailureKind = FailureNonZeroExit
				job.ErrorSummary = fmt.Sprintf("process failed with exit code %d", code)
				r.logs.Append(jobID, joblog.StreamStderr, job.ErrorSummary)
			}
		}
	})
}

// finalize applies the terminal transition and then, unconditionally, releases
// the lock and clears the fingerprint. The release runs in a deferred block so
// an internal fault in completion handling can never leave a resource key held.
func (r *Registry) finalize(jobID string, apply func(*Job)) {
	r.mu.Lock()
	t := r.jobs[jobID]
	if t == nil || t.job.State.Terminal() {
		r.mu.Unlock()
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			t.job.State = StateFailed
			t.job.FailureKind = FailureInternal
			t.job.ErrorSummary = fmt.Sprintf("internal error: %v", rec)
			r.logger.Error("panic during job completion",
				logging.String(logging.FieldJobID, jobID),
				logging.String("panic", fmt.Sprint(rec)))
		}
		if !t.job.State.Terminal() {
			t.job.State = StateFailed
			t.job.FailureKind = FailureInternal
		}
		now := time.Now().UTC()
		t.job.EndedAt = &now
		if t.job.State != StateSucceeded {
			t.job.LogTail = tailTexts(r.logs.Tail(jobID, r.cfg.Logging.TailLines))
		}

		if err := r.locks.Release(t.job.ResourceKey, t.job.ID); err != nil {
			r.logger.Error("lock release failed",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldResourceKey, t.job.ResourceKey),
				logging.Error(err))
		}
		r.guard.Clear(t.fingerprint)
		snap := t.job.snapshot()
		r.mu.Unlock()

		r.logger.Info("job finished",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldPipeline, string(snap.Kind)),
			logging.String("state", string(snap.State)))
		r.recordHistory(snap)
	}()

	apply(&t.job)
}

func (r *Registry) recordHistory(job Job) {
	if r.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := history.Record{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		ResourceKey:  job.ResourceKey,
		Params:       job.Params,
		State:        string(job.State),
		FailureKind:  string(job.FailureKind),
		ExitCode:     job.ExitCode,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		EndedAt:      job.EndedAt,
		ErrorSummary: job.ErrorSummary,
	}
	if err := r.hist.Record(ctx, rec); err != nil {
		r.logger.Warn("history record failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}

// CancelJob requests graceful-then-forced termination of a job. Cancelling a
// terminal job returns ErrAlreadyTerminal; an unknown id returns ErrNotFound.
func (r *Registry) CancelJob(jobID string) error {
	r.mu.Lock()
	t := r.jobs[jobID]
	if t == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.job.State.Terminal() {
		r.mu.Unlock()
		return ErrAlreadyTerminal
	}
	handle := t.handle
	if handle == nil {
		// Spawn still in flight; launch will observe the flag.
		t.cancelEarly = true
	}
	r.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	r.logger.Info("cancellation requested", logging.String(logging.FieldJobID, jobID))
	return nil
}

// GetJob returns a snapshot of one job.
func (r *Registry) GetJob(jobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.jobs[jobID]
	if t == nil {
		return Job{}, ErrNotFound
	}
	return t.job.snapshot(), nil
}

// ListJobs returns snapshots of all tracked jobs, newest first.
func (r *Registry) ListJobs() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, t := range r.jobs {
		out = append(out, t.job.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ReadLogs returns captured output for a job starting after cursor.
func (r *Registry) ReadLogs(jobID string, cursor uint64, limit int) ([]joblog.Line, uint64, bool, error) {
	if _, err := r.GetJob(jobID); err != nil {
		return nil, cursor, false, err
	}
	lines, next, discontinuity := r.logs.Read(jobID, cursor, limit)
	return lines, next, discontinuity, nil
}

// WaitLogs blocks until output past cursor is available or ctx ends. Callers
// following a job should re-check its state between calls; a terminal job
// produces no further lines.
func (r *Registry) WaitLogs(ctx context.Context, jobID string, cursor uint64, limit int) ([]joblog.Line, uint64, bool, error) {
	if _, err := r.GetJob(jobID); err != nil {
		return nil, cursor, false, err
	}
	return r.logs.Wait(ctx, jobID, cursor, limit)
}

// Locks returns the current lease table.
func (r *Registry) Locks() []locker.Lease {
	return r.locks.Snapshot()
}

// Stats reports registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{}
	for _, t := range r.jobs {
		if t.job.State.Terminal() {
			stats.Terminal++
		} else {
			stats.Active++
		}
	}
	stats.Locks = len(r.locks.Snapshot())
	return stats
}

// EvictTerminal removes terminal jobs that ended before olderThan ago,
// dropping their log rings, and returns how many were evicted. Active jobs
// are never touched.
func (r *Registry) EvictTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	r.mu.Lock()
	var evicted []string
	for id, t := range r.jobs {
		if !t.job.State.Terminal() {
			continue
		}
		if t.job.EndedAt != nil && t.job.EndedAt.Before(cutoff) {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logs.Drop(id)
	}
	if len(evicted) > 0 {
		r.logger.Debug("evicted terminal jobs", logging.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Shutdown stops accepting submissions, cancels in-flight jobs, waits for
// them to drain within ctx, and releases any remaining locks.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var handles []*supervise.Handle
	for _, t := range r.jobs {
		if t.job.State.Terminal() {
			continue
		}
		if t.handle != nil {
			handles = append(handles, t.handle)
		} else {
			t.cancelEarly = true
		}
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.baseCancel()
	}

	if released := r.locks.ReleaseAll(); released > 0 {
		r.logger.Warn("released leftover locks at shutdown", logging.Int("count", released))
	}
	r.baseCancel()
	return err
}

func tailTexts(lines []joblog.Line) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Text
	}
	return out
}
