// Package models defines the row types shared by the storage layer, the
// collectors, and the delta engine: metric snapshots, run log entries,
// schedule entries, raw event buffer rows, and domain descriptors.
package models

import "time"

// Status is the terminal outcome recorded in the run log for one
// collector invocation.
type Status string

const (
	StatusSuccess      Status = "SUCCESS"
	StatusError        Status = "ERROR"
	StatusSkipped      Status = "SKIPPED"
	StatusTableMissing Status = "TABLE_MISSING"
	StatusNoResults    Status = "NO_RESULTS"
	StatusChainError   Status = "CHAIN_ERROR"
	StatusJobHung      Status = "JOB_HUNG"
)

// Domain describes one metric domain: its snapshot table layout, which
// columns are cumulative counters eligible for delta computation, and its
// collection policy. Collectors, samplers, and the storage layer are all
// parameterized by a Domain instead of repeating per-domain code.
type Domain struct {
	// Name is the domain identifier, used to derive table names
	// (snap_<name>, events_<name>) and as the collector name.
	Name string

	// Counters lists cumulative counter columns (BIGINT, monotonic
	// non-decreasing within one server epoch). Each gets companion
	// <name>_delta and <name>_per_second columns.
	Counters []string

	// Gauges lists point-in-time value columns (FLOAT). Never diffed.
	Gauges []string

	// Labels lists descriptive text columns carried on parsed rows.
	Labels []string

	// FirstRunLookback is the backfill window used before the first
	// recorded success, instead of the schedule interval.
	FirstRunLookback time.Duration

	// DefaultFrequency seeds the schedule table on install.
	DefaultFrequency time.Duration

	Description string
}

// SnapshotTable returns the snapshot table name for the domain.
func (d Domain) SnapshotTable() string { return "snap_" + d.Name }

// EventTable returns the raw event buffer table name for the domain.
func (d Domain) EventTable() string { return "events_" + d.Name }

// Snapshot is one row of a metric domain's time series. Rows are keyed by
// (collection_time, entity_key) and tagged with the monitored server's boot
// time so cumulative counters are never diffed across a restart.
type Snapshot struct {
	CollectionTime  time.Time `db:"collection_time"`
	ServerStartTime time.Time `db:"server_start_time"`
	EntityKey       string    `db:"entity_key"`

	// Counters holds raw cumulative counter values by column name.
	Counters map[string]int64

	// Gauges holds point-in-time values by column name.
	Gauges map[string]float64

	// Labels holds descriptive text values by column name.
	Labels map[string]string

	// Delta is back-filled onto the latest row by the delta engine.
	// Nil until computed; nil forever for baseline rows.
	Delta *DeltaSet
}

// DeltaSet holds the derived difference columns for one snapshot row.
// A counter absent from Deltas maps to NULL in storage: either there was
// no comparable predecessor value or the counter regressed anomalously.
type DeltaSet struct {
	// SampleIntervalSeconds is the elapsed wall time between the row and
	// its predecessor.
	SampleIntervalSeconds float64

	Deltas    map[string]int64
	PerSecond map[string]float64
}

// RunLogEntry is one append-only record of a collector invocation.
type RunLogEntry struct {
	CollectionTime time.Time `db:"collection_time"`
	CollectorName  string    `db:"collector_name"`
	Status         Status    `db:"status"`
	RowsCollected  int       `db:"rows_collected"`
	DurationMS     int64     `db:"duration_ms"`
	ErrorMessage   string    `db:"error_message"`
	RunID          string    `db:"run_id"`
}

// ScheduleEntry is one collector's row in the schedule table.
// NextRunTime is NULL only while the collector is disabled; a disabled
// collector is never dispatched regardless of NextRunTime.
type ScheduleEntry struct {
	CollectorName      string     `db:"collector_name"`
	Enabled            bool       `db:"enabled"`
	FrequencyMinutes   int        `db:"frequency_minutes"`
	MaxDurationMinutes int        `db:"max_duration_minutes"`
	RetentionDays      int        `db:"retention_days"`
	LastRunTime        *time.Time `db:"last_run_time"`
	NextRunTime        *time.Time `db:"next_run_time"`
	Description        string     `db:"description"`
	ModifiedDate       time.Time  `db:"modified_date"`
}

// Frequency returns the configured collection interval.
func (e ScheduleEntry) Frequency() time.Duration {
	return time.Duration(e.FrequencyMinutes) * time.Minute
}

// MaxDuration returns the per-run duration ceiling, or zero when unset.
func (e ScheduleEntry) MaxDuration() time.Duration {
	return time.Duration(e.MaxDurationMinutes) * time.Minute
}

// RawEvent is one row of a raw diagnostic event buffer (blocked-process
// report, deadlock report). Processed transitions 0→1 exactly once, and
// only after the downstream parse stage confirms it produced output for
// the covered range.
type RawEvent struct {
	ID        int64     `db:"id"`
	EventTime time.Time `db:"event_time"`
	Payload   string    `db:"payload"`
	Processed bool      `db:"is_processed"`
}

// RunState records an in-flight scheduler invocation so the hung-run
// monitor can observe it from a separate process.
type RunState struct {
	JobName   string    `db:"job_name"`
	RunID     string    `db:"run_id"`
	PID       int       `db:"pid"`
	StartedAt time.Time `db:"started_at"`
}
