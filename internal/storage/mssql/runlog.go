package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

func (s *Store) AppendRunLog(ctx context.Context, e models.RunLogEntry) error {
	const q = `INSERT INTO dbo.collection_log
    (collection_time, collector_name, status, rows_collected, duration_ms, error_message, run_id)
VALUES
    (:collection_time, :collector_name, :status, :rows_collected, :duration_ms, :error_message, :run_id);`

	arg := map[string]interface{}{
		"collection_time": e.CollectionTime,
		"collector_name":  e.CollectorName,
		"status":          string(e.Status),
		"rows_collected":  e.RowsCollected,
		"duration_ms":     e.DurationMS,
		"error_message":   nilIfEmpty(e.ErrorMessage),
		"run_id":          e.RunID,
	}
	if _, err := sqlx.NamedExecContext(ctx, s.ext, q, arg); err != nil {
		return fmt.Errorf("appending run log: %w", normalizeErr(err))
	}
	return nil
}

func (s *Store) LastSuccess(ctx context.Context, collector string) (time.Time, bool, error) {
	const q = `SELECT TOP (1) collection_time FROM dbo.collection_log WITH (NOLOCK)
WHERE collector_name = @p1 AND status = @p2
ORDER BY collection_time DESC;`

	var t time.Time
	err := sqlx.GetContext(ctx, s.ext, &t, q, collector, string(models.StatusSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading last success for %s: %w", collector, err)
	}
	return t, true, nil
}

func (s *Store) HasSuccess(ctx context.Context, collector string) (bool, error) {
	_, ok, err := s.LastSuccess(ctx, collector)
	return ok, err
}

func (s *Store) RecentRuns(ctx context.Context, collector string, limit int) ([]models.RunLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []runLogRow
	var err error
	if collector == "" {
		const q = `SELECT TOP (@p1) collection_time, collector_name, status, rows_collected,
    duration_ms, COALESCE(error_message, N'') AS error_message, run_id
FROM dbo.collection_log WITH (NOLOCK)
ORDER BY collection_time DESC;`
		err = sqlx.SelectContext(ctx, s.ext, &rows, q, limit)
	} else {
		const q = `SELECT TOP (@p1) collection_time, collector_name, status, rows_collected,
    duration_ms, COALESCE(error_message, N'') AS error_message, run_id
FROM dbo.collection_log WITH (NOLOCK)
WHERE collector_name = @p2
ORDER BY collection_time DESC;`
		err = sqlx.SelectContext(ctx, s.ext, &rows, q, limit, collector)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}

	out := make([]models.RunLogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

type runLogRow struct {
	CollectionTime time.Time `db:"collection_time"`
	CollectorName  string    `db:"collector_name"`
	Status         string    `db:"status"`
	RowsCollected  int       `db:"rows_collected"`
	DurationMS     int64     `db:"duration_ms"`
	ErrorMessage   string    `db:"error_message"`
	RunID          string    `db:"run_id"`
}

func (r runLogRow) toEntry() models.RunLogEntry {
	return models.RunLogEntry{
		CollectionTime: r.CollectionTime,
		CollectorName:  r.CollectorName,
		Status:         models.Status(r.Status),
		RowsCollected:  r.RowsCollected,
		DurationMS:     r.DurationMS,
		ErrorMessage:   r.ErrorMessage,
		RunID:          r.RunID,
	}
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
