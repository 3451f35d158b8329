// Package storage defines the persistence boundary of the monitor: metric
// snapshot tables, the run log, the schedule table, raw event buffers,
// scheduler run state, and bounded application locks. Two implementations
// exist: mssql (durable, against the monitored server) and memstore
// (in-memory, for tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

var (
	// ErrLockTimeout is returned when a bounded lock wait expires.
	// Expected under contention; callers log it with duration and target.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("row not found")
)

// SnapshotStore persists per-domain metric time series. Rows are immutable
// once written, except for the delta columns on the latest batch.
type SnapshotStore interface {
	// EnsureSnapshotTable creates the domain's snapshot table if missing.
	// Idempotent.
	EnsureSnapshotTable(ctx context.Context, d models.Domain) error

	SnapshotTableExists(ctx context.Context, domain string) (bool, error)

	// SnapshotCount reports the number of stored rows; used together with
	// the run log for first-run detection.
	SnapshotCount(ctx context.Context, domain string) (int64, error)

	InsertSnapshots(ctx context.Context, d models.Domain, rows []models.Snapshot) (int, error)

	// LatestBatch returns every row sharing the most recent
	// collection_time, or an empty slice when the table is empty.
	LatestBatch(ctx context.Context, d models.Domain) ([]models.Snapshot, error)

	// PreviousSnapshot returns the entity's immediate predecessor row
	// strictly before the given time, or ErrNotFound.
	PreviousSnapshot(ctx context.Context, d models.Domain, entityKey string, before time.Time) (*models.Snapshot, error)

	// ApplyDeltas back-fills the delta columns on the row identified by
	// (at, entityKey).
	ApplyDeltas(ctx context.Context, d models.Domain, at time.Time, entityKey string, ds models.DeltaSet) error
}

// RunLog is the append-only, authoritative record of collector invocations.
type RunLog interface {
	AppendRunLog(ctx context.Context, e models.RunLogEntry) error

	// LastSuccess returns the collection time of the collector's most
	// recent SUCCESS entry. ok is false when none exists.
	LastSuccess(ctx context.Context, collector string) (t time.Time, ok bool, err error)

	HasSuccess(ctx context.Context, collector string) (bool, error)

	RecentRuns(ctx context.Context, collector string, limit int) ([]models.RunLogEntry, error)
}

// ScheduleStore holds per-collector scheduling configuration.
type ScheduleStore interface {
	ListSchedule(ctx context.Context) ([]models.ScheduleEntry, error)

	// GetSchedule returns the named entry or ErrNotFound.
	GetSchedule(ctx context.Context, name string) (*models.ScheduleEntry, error)

	// DueSchedule returns enabled entries with next_run_time <= now.
	DueSchedule(ctx context.Context, now time.Time) ([]models.ScheduleEntry, error)

	// UpsertSchedule inserts the entry or updates it wholesale.
	UpsertSchedule(ctx context.Context, e models.ScheduleEntry) error

	// SetFrequency updates the interval and, when non-nil, the duration
	// ceiling and enabled flag.
	SetFrequency(ctx context.Context, name string, frequency time.Duration, maxDuration *time.Duration, enabled *bool) error

	// SetEnabled flips the enabled flag. Disabling clears next_run_time;
	// enabling schedules the next run immediately.
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// MarkDispatched records a dispatch: last_run_time = now,
	// next_run_time = now + frequency. Called regardless of outcome.
	MarkDispatched(ctx context.Context, name string, now time.Time) error
}

// EventBuffer is the at-least-once consumption queue for raw diagnostic
// payloads. Rows are marked processed only after confirmed downstream
// output; unmarked rows are retried on the next cycle.
type EventBuffer interface {
	EnsureEventTable(ctx context.Context, d models.Domain) error

	EventTableExists(ctx context.Context, domain string) (bool, error)

	EventCount(ctx context.Context, domain string) (int64, error)

	InsertEvents(ctx context.Context, d models.Domain, events []models.RawEvent) (int, error)

	// UnprocessedEvents returns up to limit unprocessed rows in event
	// time order.
	UnprocessedEvents(ctx context.Context, d models.Domain, limit int) ([]models.RawEvent, error)

	MarkEventsProcessed(ctx context.Context, d models.Domain, ids []int64) error
}

// RunStateStore tracks in-flight scheduler invocations for the hung-run
// monitor. Last writer wins on conflicting begins.
type RunStateStore interface {
	BeginRun(ctx context.Context, rs models.RunState) error

	// EndRun clears the job's run state if it still belongs to runID.
	EndRun(ctx context.Context, jobName, runID string) error

	// ActiveRun returns the job's current run state, or nil when idle.
	ActiveRun(ctx context.Context, jobName string) (*models.RunState, error)

	// ClearRun unconditionally clears the job's run state (stale-state
	// recovery by the monitor).
	ClearRun(ctx context.Context, jobName string) error
}

// Locker provides named exclusive locks with a bounded wait. The wait
// expiring yields ErrLockTimeout; unbounded blocking is forbidden on the
// write path.
type Locker interface {
	// AcquireLock blocks up to wait for the named lock and returns a
	// release function on success.
	AcquireLock(ctx context.Context, name string, wait time.Duration) (release func() error, err error)
}

// Store is the full persistence surface. InTx runs fn against a
// transactional view of the store: an error from fn rolls back every write
// made through it.
type Store interface {
	SnapshotStore
	RunLog
	ScheduleStore
	EventBuffer
	RunStateStore
	Locker

	// EnsureCoreTables creates the run log, schedule, and run state
	// tables if missing. Idempotent.
	EnsureCoreTables(ctx context.Context) error

	InTx(ctx context.Context, fn func(Store) error) error
}
