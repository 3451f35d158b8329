package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

const scheduleColumns = `collector_name, enabled, frequency_minutes, max_duration_minutes,
    retention_days, last_run_time, next_run_time, description, modified_date`

func (s *Store) ListSchedule(ctx context.Context) ([]models.ScheduleEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM dbo.collection_schedule ORDER BY collector_name;`, scheduleColumns)
	var out []models.ScheduleEntry
	if err := sqlx.SelectContext(ctx, s.ext, &out, q); err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*models.ScheduleEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM dbo.collection_schedule WHERE collector_name = @p1;`, scheduleColumns)
	var e models.ScheduleEntry
	err := sqlx.GetContext(ctx, s.ext, &e, q, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedule for %s: %w", name, err)
	}
	return &e, nil
}

func (s *Store) DueSchedule(ctx context.Context, now time.Time) ([]models.ScheduleEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM dbo.collection_schedule
WHERE enabled = 1 AND next_run_time IS NOT NULL AND next_run_time <= @p1
ORDER BY collector_name;`, scheduleColumns)
	var out []models.ScheduleEntry
	if err := sqlx.SelectContext(ctx, s.ext, &out, q, now); err != nil {
		return nil, fmt.Errorf("reading due schedule: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, e models.ScheduleEntry) error {
	const q = `
UPDATE dbo.collection_schedule SET
    enabled = :enabled,
    frequency_minutes = :frequency_minutes,
    max_duration_minutes = :max_duration_minutes,
    retention_days = :retention_days,
    last_run_time = :last_run_time,
    next_run_time = :next_run_time,
    description = :description,
    modified_date = :modified_date
WHERE collector_name = :collector_name;

IF @@ROWCOUNT = 0
INSERT INTO dbo.collection_schedule
    (collector_name, enabled, frequency_minutes, max_duration_minutes,
     retention_days, last_run_time, next_run_time, description, modified_date)
VALUES
    (:collector_name, :enabled, :frequency_minutes, :max_duration_minutes,
     :retention_days, :last_run_time, :next_run_time, :description, :modified_date);`

	if _, err := sqlx.NamedExecContext(ctx, s.ext, q, scheduleArg(e)); err != nil {
		return fmt.Errorf("upserting schedule for %s: %w", e.CollectorName, normalizeErr(err))
	}
	return nil
}

func (s *Store) SetFrequency(ctx context.Context, name string, frequency time.Duration, maxDuration *time.Duration, enabled *bool) error {
	now := time.Now().UTC()

	sets := "frequency_minutes = :frequency_minutes, modified_date = :modified_date"
	arg := map[string]interface{}{
		"collector_name":    name,
		"frequency_minutes": int(frequency / time.Minute),
		"modified_date":     now,
	}
	if maxDuration != nil {
		sets += ", max_duration_minutes = :max_duration_minutes"
		arg["max_duration_minutes"] = int(*maxDuration / time.Minute)
	}
	if enabled != nil {
		sets += ", enabled = :enabled, next_run_time = CASE WHEN :enabled = 1 THEN :now ELSE NULL END"
		arg["enabled"] = *enabled
		arg["now"] = now
	}

	q := fmt.Sprintf(`UPDATE dbo.collection_schedule SET %s WHERE collector_name = :collector_name;`, sets)
	res, err := sqlx.NamedExecContext(ctx, s.ext, q, arg)
	if err != nil {
		return fmt.Errorf("setting frequency for %s: %w", name, normalizeErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	now := time.Now().UTC()
	const q = `UPDATE dbo.collection_schedule SET
    enabled = @p2,
    next_run_time = CASE WHEN @p2 = 1 THEN @p3 ELSE NULL END,
    modified_date = @p3
WHERE collector_name = @p1;`

	res, err := s.ext.ExecContext(ctx, q, name, enabled, now)
	if err != nil {
		return fmt.Errorf("setting enabled for %s: %w", name, normalizeErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkDispatched(ctx context.Context, name string, now time.Time) error {
	const q = `UPDATE dbo.collection_schedule SET
    last_run_time = @p2,
    next_run_time = DATEADD(MINUTE, frequency_minutes, @p2),
    modified_date = @p2
WHERE collector_name = @p1;`

	res, err := s.ext.ExecContext(ctx, q, name, now)
	if err != nil {
		return fmt.Errorf("rescheduling %s: %w", name, normalizeErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scheduleArg(e models.ScheduleEntry) map[string]interface{} {
	var last, next interface{}
	if e.LastRunTime != nil {
		last = *e.LastRunTime
	}
	if e.NextRunTime != nil {
		next = *e.NextRunTime
	}
	return map[string]interface{}{
		"collector_name":       e.CollectorName,
		"enabled":              e.Enabled,
		"frequency_minutes":    e.FrequencyMinutes,
		"max_duration_minutes": e.MaxDurationMinutes,
		"retention_days":       e.RetentionDays,
		"last_run_time":        last,
		"next_run_time":        next,
		"description":          e.Description,
		"modified_date":        e.ModifiedDate,
	}
}
