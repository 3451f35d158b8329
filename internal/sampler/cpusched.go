package sampler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

const cpuSchedulersQuery = `
SELECT
    scheduler_id,
    context_switches_count,
    preemptive_switches_count,
    runnable_tasks_count,
    current_tasks_count,
    pending_disk_io_count
FROM sys.dm_os_schedulers WITH (NOLOCK)
WHERE scheduler_id < 255;`

// CPUScheduling samples per-scheduler pressure. Runnable task counts are
// the live signal; context switches become rates through the delta engine.
type CPUScheduling struct {
	db *sqlx.DB
}

func NewCPUScheduling(db *sqlx.DB) *CPUScheduling { return &CPUScheduling{db: db} }

func (s *CPUScheduling) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	epoch, err := serverStartTime(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		SchedulerID             int64 `db:"scheduler_id"`
		ContextSwitchesCount    int64 `db:"context_switches_count"`
		PreemptiveSwitchesCount int64 `db:"preemptive_switches_count"`
		RunnableTasksCount      int64 `db:"runnable_tasks_count"`
		CurrentTasksCount       int64 `db:"current_tasks_count"`
		PendingDiskIOCount      int64 `db:"pending_disk_io_count"`
	}
	if err := s.db.SelectContext(ctx, &rows, cpuSchedulersQuery); err != nil {
		return nil, fmt.Errorf("querying schedulers: %w", err)
	}

	now := nowUTC()
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Snapshot{
			CollectionTime:  now,
			ServerStartTime: epoch,
			EntityKey:       "scheduler_" + strconv.FormatInt(r.SchedulerID, 10),
			Counters: map[string]int64{
				"context_switches_count":    r.ContextSwitchesCount,
				"preemptive_switches_count": r.PreemptiveSwitchesCount,
			},
			Gauges: map[string]float64{
				"runnable_tasks_count":  float64(r.RunnableTasksCount),
				"current_tasks_count":   float64(r.CurrentTasksCount),
				"pending_disk_io_count": float64(r.PendingDiskIOCount),
			},
		})
	}
	return out, nil
}
