package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"runnerd/internal/joblog"
	"runnerd/internal/logging"
)

// TerminatedBy records why a supervised process stopped.
type TerminatedBy string

const (
	TerminatedNatural TerminatedBy = "natural"
	TerminatedTimeout TerminatedBy = "timeout"
	TerminatedCancel  TerminatedBy = "cancel"
)

// Spec describes one subprocess to supervise.
type Spec struct {
	Command     string
	Args        []string
	Env         []string
	WorkingDir  string
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Outcome is the terminal result of a supervised process.
type Outcome struct {
	ExitCode     int
	Duration     time.Duration
	TerminatedBy TerminatedBy
	Err          error
}

// LineSink receives captured output lines as they arrive.
type LineSink func(stream joblog.Stream, text string)

// Handle tracks one running subprocess.
type Handle struct {
	done       chan struct{}
	cancelReq  chan struct{}
	cancelOnce sync.Once

	mu      sync.Mutex
	outcome Outcome
}

// Done is closed once the process has been reaped and the outcome recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests graceful-then-forced termination. Safe to call more than
// once and after completion.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelReq) })
}

// Outcome returns the terminal result. Valid only after Done is closed.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Supervisor spawns and monitors pipeline subprocesses.
type Supervisor struct {
	logger      *slog.Logger
	gracePeriod time.Duration
}

// New constructs a Supervisor. gracePeriod bounds the interval between the
// graceful termination request and the forced kill; it applies to timeout,
// cancellation, and shutdown alike.
func New(logger *slog.Logger, gracePeriod time.Duration) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Supervisor{
		logger:      logging.NewComponentLogger(logger, "supervisor"),
		gracePeriod: gracePeriod,
	}
}

// Start spawns the process described by spec. A failure to spawn is returned
// synchronously and no Handle is created. On success the returned Handle's
// Done channel closes once the process and its output scanners have finished;
// the process is guaranteed to be reaped on every exit path.
func (s *Supervisor) Start(ctx context.Context, spec Spec, sink LineSink) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = s.gracePeriod
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Env
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &Handle{
		done:      make(chan struct{}),
		cancelReq: make(chan struct{}),
	}

	var wg sync.WaitGroup
	var scanErr error
	var scanOnce sync.Once

	scan := func(r io.Reader, stream joblog.Stream) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if sink != nil {
				sink(stream, scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			scanOnce.Do(func() { scanErr = err })
		}
	}

	wg.Add(2)
	go scan(stdout, joblog.StreamStdout)
	go scan(stderr, joblog.StreamStderr)

	// Pipes must be drained before Wait per the os/exec contract.
	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	go s.monitor(ctx, cmd, spec, h, waitCh, started, grace, &scanErr)

	return h, nil
}

func (s *Supervisor) monitor(ctx context.Context, cmd *exec.Cmd, spec Spec, h *Handle, waitCh chan error, started time.Time, grace time.Duration, scanErr *error) {
	// Reaper of last resort: whatever path leaves this function, the process
	// group must not survive it.
	defer func() {
		killProcessGroup(cmd)
		close(h.done)
	}()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	terminatedBy := TerminatedNatural

	select {
	case waitErr = <-waitCh:
	case <-timeoutCh:
		terminatedBy = TerminatedTimeout
		s.logger.Warn("run exceeded timeout, terminating",
			logging.String("command", spec.Command),
			logging.Duration("timeout", spec.Timeout))
		waitErr = s.terminate(cmd, waitCh, grace)
	case <-h.cancelReq:
		terminatedBy = TerminatedCancel
		s.logger.Info("cancellation requested, terminating",
			logging.String("command", spec.Command))
		waitErr = s.terminate(cmd, waitCh, grace)
	case <-ctx.Done():
		terminatedBy = TerminatedCancel
		s.logger.Info("context ended, terminating",
			logging.String("command", spec.Command))
		waitErr = s.terminate(cmd, waitCh, grace)
	}

	outcome := Outcome{
		ExitCode:     exitCode(cmd, waitErr),
		Duration:     time.Since(started),
		TerminatedBy: terminatedBy,
	}
	if *scanErr != nil {
		outcome.Err = fmt.Errorf("scan output: %w", *scanErr)
	} else if waitErr != nil && terminatedBy == TerminatedNatural {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			outcome.Err = waitErr
		}
	}

	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()
}

// terminate sends the graceful signal to the process group, waits at most
// grace, then forces a kill and waits for the reap to finish.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh chan error, grace time.Duration) error {
	signalProcessGroup(cmd, false)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
	}

	s.logger.Warn("grace period elapsed, forcing kill",
		logging.Duration("grace", grace))
	signalProcessGroup(cmd, true)
	return <-waitCh
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
