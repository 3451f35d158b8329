package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// BeginRun records an in-flight scheduler invocation, replacing any stale
// row for the job (last writer wins).
func (s *Store) BeginRun(ctx context.Context, rs models.RunState) error {
	const q = `
DELETE FROM dbo.collection_run_state WHERE job_name = @p1;
INSERT INTO dbo.collection_run_state (job_name, run_id, pid, started_at)
VALUES (@p1, @p2, @p3, @p4);`

	if _, err := s.ext.ExecContext(ctx, q, rs.JobName, rs.RunID, rs.PID, rs.StartedAt); err != nil {
		return fmt.Errorf("recording run state for %s: %w", rs.JobName, normalizeErr(err))
	}
	return nil
}

func (s *Store) EndRun(ctx context.Context, jobName, runID string) error {
	const q = `DELETE FROM dbo.collection_run_state WHERE job_name = @p1 AND run_id = @p2;`
	if _, err := s.ext.ExecContext(ctx, q, jobName, runID); err != nil {
		return fmt.Errorf("clearing run state for %s: %w", jobName, normalizeErr(err))
	}
	return nil
}

func (s *Store) ActiveRun(ctx context.Context, jobName string) (*models.RunState, error) {
	const q = `SELECT job_name, run_id, pid, started_at
FROM dbo.collection_run_state WITH (NOLOCK)
WHERE job_name = @p1;`

	var rs models.RunState
	err := sqlx.GetContext(ctx, s.ext, &rs, q, jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run state for %s: %w", jobName, err)
	}
	return &rs, nil
}

func (s *Store) ClearRun(ctx context.Context, jobName string) error {
	const q = `DELETE FROM dbo.collection_run_state WHERE job_name = @p1;`
	if _, err := s.ext.ExecContext(ctx, q, jobName); err != nil {
		return fmt.Errorf("clearing run state for %s: %w", jobName, normalizeErr(err))
	}
	return nil
}
