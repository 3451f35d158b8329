package sampler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// PERF_COUNTER_BULK_COUNT: cumulative counters that need two samples to
// become a rate, which is exactly what the delta engine does.
const perfCountersQuery = `
SELECT
    RTRIM(object_name) AS object_name,
    RTRIM(counter_name) AS counter_name,
    RTRIM(instance_name) AS instance_name,
    cntr_value
FROM sys.dm_os_performance_counters WITH (NOLOCK)
WHERE cntr_type = 272696576
  AND cntr_value > 0;`

// PerfCounters samples the cumulative counters of
// sys.dm_os_performance_counters.
type PerfCounters struct {
	db *sqlx.DB
}

func NewPerfCounters(db *sqlx.DB) *PerfCounters { return &PerfCounters{db: db} }

func (s *PerfCounters) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	epoch, err := serverStartTime(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ObjectName   string `db:"object_name"`
		CounterName  string `db:"counter_name"`
		InstanceName string `db:"instance_name"`
		CntrValue    int64  `db:"cntr_value"`
	}
	if err := s.db.SelectContext(ctx, &rows, perfCountersQuery); err != nil {
		return nil, fmt.Errorf("querying performance counters: %w", err)
	}

	now := nowUTC()
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		key := r.ObjectName + "|" + r.CounterName
		if inst := strings.TrimSpace(r.InstanceName); inst != "" {
			key += "|" + inst
		}
		out = append(out, models.Snapshot{
			CollectionTime:  now,
			ServerStartTime: epoch,
			EntityKey:       key,
			Counters:        map[string]int64{"cntr_value": r.CntrValue},
		})
	}
	return out, nil
}
