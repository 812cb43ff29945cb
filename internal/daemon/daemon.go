package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"runnerd/internal/config"
	"runnerd/internal/history"
	"runnerd/internal/jobs"
	"runnerd/internal/logging"
)

const (
	janitorInterval   = 15 * time.Minute
	terminalRetention = 24 * time.Hour
	drainTimeout      = 30 * time.Second
)

// Daemon coordinates the job registry and HTTP API and enforces
// single-instance execution per configuration.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *jobs.Registry
	hist     *history.Store

	lockPath string
	lock     *flock.Flock
	server   *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies. hist may be nil when
// history persistence is disabled.
func New(cfg *config.Config, logger *slog.Logger, registry *jobs.Registry, hist *history.Store) (*Daemon, error) {
	if cfg == nil || logger == nil || registry == nil {
		return nil, errors.New("daemon requires config, logger, and registry")
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "runnerd.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		registry: registry,
		hist:     hist,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, binds the API server, and launches the
// retention janitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return errors.New("another runnerd instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	server, err := newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		_ = d.lock.Unlock()
		cancel()
		return err
	}
	d.server = server
	if err := d.server.start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return err
	}

	go d.janitor(runCtx)

	d.running.Store(true)
	d.logger.Info("runnerd started",
		logging.String("lock", d.lockPath),
		logging.String("api_bind", d.cfg.Paths.APIBind))
	return nil
}

// Stop drains in-flight jobs, stops the API server, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.registry.Shutdown(drainCtx); err != nil {
		d.logger.Warn("registry drain incomplete", logging.Error(err))
	}

	if d.server != nil {
		d.server.stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("runnerd stopped")
}

// Close stops the daemon and closes the history store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.hist != nil {
		return d.hist.Close()
	}
	return nil
}

// Addr returns the API server's bound address, useful when binding to :0.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// Running reports whether the daemon lifecycle is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// janitor periodically evicts old terminal jobs from the registry and prunes
// the history store down to the configured cap.
func (d *Daemon) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.registry.EvictTerminal(terminalRetention)
		if d.hist != nil {
			pruned, err := d.hist.Prune(ctx, d.cfg.History.Keep)
			if err != nil {
				d.logger.Warn("history prune failed", logging.Error(err))
			} else if pruned > 0 {
				d.logger.Debug("history pruned", logging.Int64("rows", pruned))
			}
		}
	}
}

// PID returns the daemon process id for health reporting.
func (d *Daemon) PID() int {
	return os.Getpid()
}
