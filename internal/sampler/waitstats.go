package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// Idle and housekeeping waits that carry no tuning signal.
const waitStatsQuery = `
SELECT
    wait_type,
    waiting_tasks_count,
    wait_time_ms,
    signal_wait_time_ms,
    max_wait_time_ms
FROM sys.dm_os_wait_stats WITH (NOLOCK)
WHERE waiting_tasks_count > 0
  AND wait_type NOT IN (
    N'BROKER_EVENTHANDLER', N'BROKER_RECEIVE_WAITFOR', N'BROKER_TASK_STOP',
    N'BROKER_TO_FLUSH', N'CHECKPOINT_QUEUE', N'CLR_AUTO_EVENT',
    N'CLR_MANUAL_EVENT', N'CLR_SEMAPHORE', N'DIRTY_PAGE_POLL',
    N'DISPATCHER_QUEUE_SEMAPHORE', N'FT_IFTS_SCHEDULER_IDLE_WAIT',
    N'HADR_FILESTREAM_IOMGR_IOCOMPLETION', N'LAZYWRITER_SLEEP',
    N'LOGMGR_QUEUE', N'ONDEMAND_TASK_QUEUE',
    N'REQUEST_FOR_DEADLOCK_SEARCH', N'SLEEP_TASK',
    N'SP_SERVER_DIAGNOSTICS_SLEEP', N'SQLTRACE_BUFFER_FLUSH',
    N'SQLTRACE_INCREMENTAL_FLUSH_SLEEP', N'WAITFOR',
    N'XE_DISPATCHER_WAIT', N'XE_TIMER_EVENT');`

// WaitStats samples sys.dm_os_wait_stats. The since cutoff is ignored:
// the view is cumulative point-in-time state, so each sample is one full
// batch and the delta engine turns consecutive batches into rates.
type WaitStats struct {
	db *sqlx.DB
}

func NewWaitStats(db *sqlx.DB) *WaitStats { return &WaitStats{db: db} }

func (s *WaitStats) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	epoch, err := serverStartTime(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		WaitType          string `db:"wait_type"`
		WaitingTasksCount int64  `db:"waiting_tasks_count"`
		WaitTimeMS        int64  `db:"wait_time_ms"`
		SignalWaitTimeMS  int64  `db:"signal_wait_time_ms"`
		MaxWaitTimeMS     int64  `db:"max_wait_time_ms"`
	}
	if err := s.db.SelectContext(ctx, &rows, waitStatsQuery); err != nil {
		return nil, fmt.Errorf("querying wait stats: %w", err)
	}

	now := nowUTC()
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Snapshot{
			CollectionTime:  now,
			ServerStartTime: epoch,
			EntityKey:       r.WaitType,
			Counters: map[string]int64{
				"waiting_tasks_count": r.WaitingTasksCount,
				"wait_time_ms":        r.WaitTimeMS,
				"signal_wait_time_ms": r.SignalWaitTimeMS,
			},
			Gauges: map[string]float64{
				"max_wait_time_ms": float64(r.MaxWaitTimeMS),
			},
		})
	}
	return out, nil
}
