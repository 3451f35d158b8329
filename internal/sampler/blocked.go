package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/collector"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// BlockedSessionName is the extended event session expected to feed the
// blocked-process capture. Created by install, but an operator can point
// their own session at the same name.
const BlockedSessionName = "perfmon_blocked_process"

const blockedThresholdQuery = `
SELECT CAST(value_in_use AS int) AS value_in_use
FROM sys.configurations WITH (NOLOCK)
WHERE name = N'blocked process threshold (s)';`

// BlockedProcess captures blocked_process_report events from the ring
// buffer of the dedicated extended event session. When the server-side
// threshold is off or the session is missing there is nothing to capture
// and the run is skipped rather than failed.
type BlockedProcess struct {
	db *sqlx.DB
}

func NewBlockedProcess(db *sqlx.DB) *BlockedProcess { return &BlockedProcess{db: db} }

func (s *BlockedProcess) CaptureEvents(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	var threshold int
	if err := s.db.GetContext(ctx, &threshold, blockedThresholdQuery); err != nil {
		return nil, fmt.Errorf("reading blocked process threshold: %w", err)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("blocked process threshold is disabled: %w", collector.ErrSkip)
	}

	events, err := readRingBuffer(ctx, s.db, BlockedSessionName, "blocked_process_report", since)
	if errors.Is(err, errNoSession) {
		return nil, fmt.Errorf("%v: %w", err, collector.ErrSkip)
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}
