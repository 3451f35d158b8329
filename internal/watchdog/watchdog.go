// Package watchdog implements the hung-run monitor: an independently
// scheduled check that observes the master scheduler's process-level run
// state and force-terminates an invocation stuck past its duration
// ceiling. A longer ceiling applies while any enabled collector has never
// succeeded, since first-run backfills are legitimately slow. The monitor
// only reads status and issues a kill; it never waits on the target.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

const (
	// DefaultMaxDuration is the steady-state run ceiling.
	DefaultMaxDuration = 5 * time.Minute

	// DefaultFirstRunMaxDuration tolerates large first-run backfills.
	DefaultFirstRunMaxDuration = 30 * time.Minute
)

// ProcessController abstracts process inspection and termination so tests
// can simulate hung runs without real processes.
type ProcessController interface {
	// Running reports whether a process with the pid is alive.
	Running(pid int) (bool, error)

	// Terminate force-kills the process. Must not block on its exit.
	Terminate(pid int) error
}

// OSProcessController inspects and kills real processes via gopsutil.
type OSProcessController struct{}

func (OSProcessController) Running(pid int) (bool, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("checking pid %d: %w", pid, err)
	}
	return exists, nil
}

func (OSProcessController) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("opening pid %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}

// Options configures one watchdog check.
type Options struct {
	// JobName identifies the monitored scheduler invocation.
	JobName string

	// MaxDuration is the steady-state ceiling; zero means the default.
	MaxDuration time.Duration

	// FirstRunMaxDuration is the first-run-mode ceiling; zero means the
	// default.
	FirstRunMaxDuration time.Duration

	// Terminate controls whether a hung run is killed or only logged.
	Terminate bool
}

// Monitor checks scheduler run state against duration ceilings.
type Monitor struct {
	store  storage.Store
	proc   ProcessController
	logger *zap.Logger
	clock  func() time.Time
}

func New(store storage.Store, proc ProcessController, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:  store,
		proc:   proc,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Check runs one watchdog pass. It returns an error only for its own
// orchestration failures; a detected hang is a logged corrective action,
// not an error.
func (m *Monitor) Check(ctx context.Context, opts Options) error {
	if opts.JobName == "" {
		opts.JobName = "perfmon_collect"
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.FirstRunMaxDuration <= 0 {
		opts.FirstRunMaxDuration = DefaultFirstRunMaxDuration
	}

	rs, err := m.store.ActiveRun(ctx, opts.JobName)
	if err != nil {
		return fmt.Errorf("reading run state: %w", err)
	}
	if rs == nil {
		m.logger.Debug("No active run", zap.String("job", opts.JobName))
		return nil
	}

	running, err := m.proc.Running(rs.PID)
	if err != nil {
		return err
	}
	if !running {
		// The recorded process died without clearing its state (crash,
		// kill -9). Clear it so the next tick starts clean.
		m.logger.Info("Clearing stale run state",
			zap.String("job", opts.JobName),
			zap.Int("pid", rs.PID),
			zap.String("run_id", rs.RunID))
		if err := m.store.ClearRun(ctx, opts.JobName); err != nil {
			return fmt.Errorf("clearing stale run state: %w", err)
		}
		return nil
	}

	firstRun, err := m.firstRunMode(ctx)
	if err != nil {
		return err
	}
	ceiling := opts.MaxDuration
	if firstRun {
		ceiling = opts.FirstRunMaxDuration
	}

	elapsed := m.clock().Sub(rs.StartedAt)
	if elapsed <= ceiling {
		m.logger.Debug("Run within ceiling",
			zap.String("job", opts.JobName),
			zap.Duration("elapsed", elapsed),
			zap.Duration("ceiling", ceiling),
			zap.Bool("first_run_mode", firstRun))
		return nil
	}

	entry := models.RunLogEntry{
		CollectionTime: m.clock(),
		CollectorName:  opts.JobName,
		Status:         models.StatusJobHung,
		DurationMS:     elapsed.Milliseconds(),
		ErrorMessage: fmt.Sprintf("run %s (pid %d) exceeded %s ceiling, running %s",
			rs.RunID, rs.PID, ceiling, elapsed.Round(time.Second)),
		RunID: rs.RunID,
	}
	if err := m.store.AppendRunLog(ctx, entry); err != nil {
		m.logger.Warn("Failed to log hung run", zap.Error(err))
	}
	m.logger.Warn("Hung run detected",
		zap.String("job", opts.JobName),
		zap.Int("pid", rs.PID),
		zap.Duration("elapsed", elapsed),
		zap.Duration("ceiling", ceiling),
		zap.Bool("terminating", opts.Terminate))

	if !opts.Terminate {
		return nil
	}
	if err := m.proc.Terminate(rs.PID); err != nil {
		return fmt.Errorf("terminating hung run: %w", err)
	}
	if err := m.store.ClearRun(ctx, opts.JobName); err != nil {
		return fmt.Errorf("clearing terminated run state: %w", err)
	}
	return nil
}

// firstRunMode reports whether any enabled collector has never logged a
// success, meaning a wide backfill may legitimately still be in flight.
func (m *Monitor) firstRunMode(ctx context.Context) (bool, error) {
	entries, err := m.store.ListSchedule(ctx)
	if err != nil {
		return false, fmt.Errorf("reading schedule: %w", err)
	}
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		ok, err := m.store.HasSuccess(ctx, e.CollectorName)
		if err != nil {
			return false, fmt.Errorf("reading %s run history: %w", e.CollectorName, err)
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}
