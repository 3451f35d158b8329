package sampler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

const blockingAnalysisQuery = `
SELECT
    blocking_spid,
    COUNT_BIG(*) AS incidents,
    SUM(wait_time_ms) AS total_wait_time_ms,
    MAX(wait_time_ms) AS max_wait_time_ms
FROM dbo.snap_blocked_reports WITH (NOLOCK)
WHERE collection_time >= @p1
  AND blocking_spid IS NOT NULL
GROUP BY blocking_spid;`

// BlockingAnalysis rolls the parsed blocked-report rows up by blocking
// session, the second-stage view that answers "who is doing the blocking"
// instead of "who is blocked".
type BlockingAnalysis struct {
	db *sqlx.DB
}

func NewBlockingAnalysis(db *sqlx.DB) *BlockingAnalysis { return &BlockingAnalysis{db: db} }

func (s *BlockingAnalysis) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	epoch, err := serverStartTime(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		BlockingSPID    string  `db:"blocking_spid"`
		Incidents       int64   `db:"incidents"`
		TotalWaitTimeMS float64 `db:"total_wait_time_ms"`
		MaxWaitTimeMS   float64 `db:"max_wait_time_ms"`
	}
	err = s.db.SelectContext(ctx, &rows, blockingAnalysisQuery, sql.Named("p1", since))
	if err != nil {
		return nil, fmt.Errorf("aggregating blocked reports: %w", err)
	}

	now := nowUTC()
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Snapshot{
			CollectionTime:  now,
			ServerStartTime: epoch,
			EntityKey:       "spid_" + r.BlockingSPID,
			Gauges: map[string]float64{
				"incidents":          float64(r.Incidents),
				"total_wait_time_ms": r.TotalWaitTimeMS,
				"max_wait_time_ms":   r.MaxWaitTimeMS,
			},
		})
	}
	return out, nil
}
