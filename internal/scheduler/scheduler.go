// Package scheduler implements the master collection scheduler. An
// external timer (cron, agent job) invokes RunPending on a fixed cadence;
// one invocation scans the schedule table, dispatches every due enabled
// collector sequentially, and reschedules each for its next natural slot
// regardless of outcome. Sequential dispatch bounds peak load on the
// monitored server and keeps run log ordering deterministic.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/collector"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

const (
	// collectLockName is the app lock serializing scheduler invocations.
	collectLockName = "perfmon_collect"

	// DefaultLockWait bounds the wait for the scheduler lock. Exceeding
	// it aborts the whole run rather than wedging the host's task runner.
	DefaultLockWait = 30 * time.Second

	// DefaultJobName identifies the scheduler's run state row.
	DefaultJobName = "perfmon_collect"
)

// Scheduler dispatches due collectors from the schedule table.
type Scheduler struct {
	store    storage.Store
	registry *collector.Registry
	logger   *zap.Logger
	jobName  string
	lockWait time.Duration
	clock    func() time.Time
	pid      int
}

func New(store storage.Store, registry *collector.Registry, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: registry,
		logger:   logger,
		jobName:  DefaultJobName,
		lockWait: DefaultLockWait,
		clock:    func() time.Time { return time.Now().UTC() },
		pid:      os.Getpid(),
	}
}

// SetJobName overrides the run state identifier.
func (s *Scheduler) SetJobName(name string) { s.jobName = name }

// SetLockWait overrides the bounded lock wait.
func (s *Scheduler) SetLockWait(d time.Duration) { s.lockWait = d }

// RunPending executes one scheduler tick: acquire the scheduler lock with
// a bounded wait, record run state for the hung-run monitor, dispatch each
// due enabled collector (all enabled when force is set), and reschedule
// every dispatched row. The returned error reflects only orchestration
// failures; individual collector outcomes live in the run log.
func (s *Scheduler) RunPending(ctx context.Context, force, debug bool) error {
	now := s.clock()

	release, err := s.store.AcquireLock(ctx, collectLockName, s.lockWait)
	if err != nil {
		if errors.Is(err, storage.ErrLockTimeout) {
			return fmt.Errorf("scheduler lock %q not acquired within %s: %w", collectLockName, s.lockWait, err)
		}
		return fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warn("Failed to release scheduler lock", zap.Error(err))
		}
	}()

	runID := uuid.NewString()
	rs := models.RunState{JobName: s.jobName, RunID: runID, PID: s.pid, StartedAt: now}
	if err := s.store.BeginRun(ctx, rs); err != nil {
		return fmt.Errorf("recording run state: %w", err)
	}
	defer func() {
		if err := s.store.EndRun(ctx, s.jobName, runID); err != nil {
			s.logger.Warn("Failed to clear run state", zap.Error(err))
		}
	}()

	due, err := s.dueEntries(ctx, now, force)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		if debug {
			s.logger.Debug("No collectors due", zap.Time("now", now))
		}
		return nil
	}

	s.logger.Info("Dispatching due collectors",
		zap.Int("count", len(due)),
		zap.Bool("force", force))

	var errs error
	for _, entry := range due {
		if c, ok := s.registry.Lookup(entry.CollectorName); ok {
			s.dispatch(ctx, c, entry, debug)
		} else {
			s.logger.Warn("Scheduled collector not registered",
				zap.String("collector", entry.CollectorName))
		}

		// Reschedule regardless of outcome: a failing collector gets its
		// next natural slot, never a tight retry loop.
		if err := s.store.MarkDispatched(ctx, entry.CollectorName, s.clock()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rescheduling %s: %w", entry.CollectorName, err))
		}
	}
	return errs
}

func (s *Scheduler) dueEntries(ctx context.Context, now time.Time, force bool) ([]models.ScheduleEntry, error) {
	if !force {
		due, err := s.store.DueSchedule(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("reading due schedule: %w", err)
		}
		return due, nil
	}

	all, err := s.store.ListSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}
	var enabled []models.ScheduleEntry
	for _, e := range all {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}
	return enabled, nil
}

// dispatch runs one collector under its configured duration ceiling. The
// dispatch boundary absorbs errors and panics so one collector cannot stop
// the rest of the batch.
func (s *Scheduler) dispatch(ctx context.Context, c collector.Collector, entry models.ScheduleEntry, debug bool) {
	runCtx := ctx
	if entry.MaxDurationMinutes > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, entry.MaxDuration())
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Collector panicked",
				zap.String("collector", c.Name()),
				zap.Any("panic", r))
		}
	}()

	if err := c.Run(runCtx, debug); err != nil {
		// Already recorded in the run log by the collector itself.
		s.logger.Error("Collector failed",
			zap.String("collector", c.Name()),
			zap.Error(err))
	}
}
