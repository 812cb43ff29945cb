package jobs_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"runnerd/internal/config"
	"runnerd/internal/jobs"
	"runnerd/internal/locker"
	"runnerd/internal/logging"
	"runnerd/internal/pipeline"
	"runnerd/internal/testsupport"
)

func newRegistry(t *testing.T, cfg *config.Config) *jobs.Registry {
	t.Helper()
	reg := jobs.NewRegistry(cfg, logging.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

func waitTerminal(t *testing.T, reg *jobs.Registry, jobID string, within time.Duration) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		job, err := reg.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s after %v", jobID, job.State, within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartJobRunsToSuccess(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("churn", "echo training model\nexit 0\n"))
	reg := newRegistry(t, cfg)

	result, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "1"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if result.Duplicate {
		t.Fatal("fresh submission marked duplicate")
	}
	if result.Job.State != jobs.StateQueued {
		t.Fatalf("expected queued, got %s", result.Job.State)
	}
	if result.Job.ResourceKey != "exp1:churn" {
		t.Fatalf("unexpected resource key: %q", result.Job.ResourceKey)
	}

	job := waitTerminal(t, reg, result.Job.ID, 10*time.Second)
	if job.State != jobs.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", job.State, job.ErrorSummary)
	}
	if job.ExitCode == nil || *job.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %v", job.ExitCode)
	}
	if job.StartedAt == nil || job.EndedAt == nil {
		t.Fatal("missing lifecycle timestamps")
	}
	if len(reg.Locks()) != 0 {
		t.Fatalf("lock not released: %+v", reg.Locks())
	}

	lines, _, _, err := reg.ReadLogs(job.ID, 0, 0)
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	var sawOutput, sawFinal bool
	for _, line := range lines {
		if line.Text == "training model" {
			sawOutput = true
		}
		if line.Text == "process completed successfully" {
			sawFinal = true
		}
	}
	if !sawOutput || !sawFinal {
		t.Fatalf("expected captured output and final status line, got %+v", lines)
	}
}

func TestDuplicateSubmissionCoalesces(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("churn", "sleep 30\n"))
	reg := newRegistry(t, cfg)

	params := pipeline.Params{"experiment_id": "1", "alpha": "0.5"}
	first, err := reg.StartJob(pipeline.KindChurn, "", params)
	if err != nil {
		t.Fatalf("first StartJob: %v", err)
	}

	second, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"alpha": "0.5", "experiment_id": "1"})
	if err != nil {
		t.Fatalf("duplicate StartJob: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate flag")
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("duplicate should return the in-flight job: %s vs %s", second.Job.ID, first.Job.ID)
	}

	if err := reg.CancelJob(first.Job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	waitTerminal(t, reg, first.Job.ID, 10*time.Second)
}

func TestHeldResourceKeyRejectsDifferentRun(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("churn", "sleep 30\n"))
	reg := newRegistry(t, cfg)

	first, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "1"})
	if err != nil {
		t.Fatalf("first StartJob: %v", err)
	}

	// Same resource key, different params: not a duplicate, so it conflicts.
	_, err = reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "1", "alpha": "0.9"})
	var busy *locker.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyError, got %v", err)
	}
	if busy.Holder != first.Job.ID {
		t.Fatalf("expected holder %s, got %s", first.Job.ID, busy.Holder)
	}

	if err := reg.CancelJob(first.Job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	job := waitTerminal(t, reg, first.Job.ID, 10*time.Second)
	if job.State != jobs.StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}

	// The key frees up once the first run is terminal.
	retry, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "1", "alpha": "0.9"})
	if err != nil {
		t.Fatalf("StartJob after release: %v", err)
	}
	_ = reg.CancelJob(retry.Job.ID)
	waitTerminal(t, reg, retry.Job.ID, 10*time.Second)
}

func TestCancelSemantics(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("cox", "sleep 30\n"))
	reg := newRegistry(t, cfg)

	if err := reg.CancelJob("missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	result, err := reg.StartJob(pipeline.KindCox, "", pipeline.Params{"experiment_id": "2"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := reg.CancelJob(result.Job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job := waitTerminal(t, reg, result.Job.ID, 10*time.Second)
	if job.State != jobs.StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	if len(reg.Locks()) != 0 {
		t.Fatal("lock not released after cancel")
	}

	if err := reg.CancelJob(result.Job.ID); !errors.Is(err, jobs.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestSpawnFailureReleasesLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.Interpreter = "/nonexistent/interpreter"
	reg := newRegistry(t, cfg)

	result, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "3"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	job := waitTerminal(t, reg, result.Job.ID, 10*time.Second)
	if job.State != jobs.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.FailureKind != jobs.FailureSpawn {
		t.Fatalf("expected spawn failure, got %q", job.FailureKind)
	}
	if len(reg.Locks()) != 0 {
		t.Fatal("lock not released after spawn failure")
	}

	// The key is immediately reusable.
	retry, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "3"})
	if err != nil {
		t.Fatalf("StartJob after spawn failure: %v", err)
	}
	waitTerminal(t, reg, retry.Job.ID, 10*time.Second)
}

func TestNonZeroExitMarksFailedWithTail(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("shap", "echo computing values\necho bad input >&2\nexit 2\n"))
	reg := newRegistry(t, cfg)

	result, err := reg.StartJob(pipeline.KindShap, "", pipeline.Params{"experiment_id": "4"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	job := waitTerminal(t, reg, result.Job.ID, 10*time.Second)
	if job.State != jobs.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.FailureKind != jobs.FailureNonZeroExit {
		t.Fatalf("expected nonzero_exit, got %q", job.FailureKind)
	}
	if job.ExitCode == nil || *job.ExitCode != 2 {
		t.Fatalf("unexpected exit code: %v", job.ExitCode)
	}
	if len(job.LogTail) == 0 {
		t.Fatal("expected log tail on failure")
	}
	if !strings.Contains(job.ErrorSummary, "exit code 2") {
		t.Fatalf("unexpected summary: %q", job.ErrorSummary)
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("churn", "sleep 30\n"),
		testsupport.WithTimeout(2),
		testsupport.WithGracePeriod(1))
	reg := newRegistry(t, cfg)

	result, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "5"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	job := waitTerminal(t, reg, result.Job.ID, 15*time.Second)
	if job.State != jobs.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.FailureKind != jobs.FailureTimeout {
		t.Fatalf("expected timeout, got %q", job.FailureKind)
	}
	if len(reg.Locks()) != 0 {
		t.Fatal("lock not released after timeout")
	}
}

func TestShutdownDrainsAndRejectsSubmissions(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithScript("churn", "sleep 30\n"))
	reg := jobs.NewRegistry(cfg, logging.NewNop(), nil)

	result, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "6"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	job, err := reg.GetJob(result.Job.ID)
	if err != nil {
		t.Fatalf("GetJob after shutdown: %v", err)
	}
	if !job.State.Terminal() {
		t.Fatalf("job not drained: %s", job.State)
	}
	if len(reg.Locks()) != 0 {
		t.Fatal("locks left behind after shutdown")
	}

	if _, err := reg.StartJob(pipeline.KindChurn, "", nil); !errors.Is(err, jobs.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestEvictTerminalDropsOldJobsAndLogs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg := newRegistry(t, cfg)

	result, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "7"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitTerminal(t, reg, result.Job.ID, 10*time.Second)

	if evicted := reg.EvictTerminal(0); evicted != 1 {
		t.Fatalf("expected 1 evicted, got %d", evicted)
	}
	if _, err := reg.GetJob(result.Job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
	if _, _, _, err := reg.ReadLogs(result.Job.ID, 0, 0); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for evicted logs, got %v", err)
	}
}

func TestHistoryRecordsTerminalJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	reg := jobs.NewRegistry(cfg, logging.NewNop(), store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	result, err := reg.StartJob(pipeline.KindCox, "", pipeline.Params{"experiment_id": "8"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	job := waitTerminal(t, reg, result.Job.ID, 10*time.Second)

	// The record lands right after the terminal transition becomes visible.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := store.FindByJobID(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("FindByJobID: %v", err)
		}
		if rec != nil {
			if rec.State != string(job.State) || rec.Kind != "cox" {
				t.Fatalf("unexpected record: %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("history record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg := newRegistry(t, cfg)

	first, err := reg.StartJob(pipeline.KindChurn, "", pipeline.Params{"experiment_id": "10"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitTerminal(t, reg, first.Job.ID, 10*time.Second)

	second, err := reg.StartJob(pipeline.KindCox, "", pipeline.Params{"experiment_id": "11"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitTerminal(t, reg, second.Job.ID, 10*time.Second)

	list := reg.ListJobs()
	if len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list))
	}
	if list[0].CreatedAt.Before(list[1].CreatedAt) {
		t.Fatal("jobs not sorted newest first")
	}
}
