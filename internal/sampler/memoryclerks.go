package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

const memoryClerksQuery = `
SELECT
    type AS clerk_type,
    SUM(pages_kb) AS pages_kb,
    SUM(virtual_memory_committed_kb) AS virtual_memory_committed_kb
FROM sys.dm_os_memory_clerks WITH (NOLOCK)
GROUP BY type
HAVING SUM(pages_kb) > 0 OR SUM(virtual_memory_committed_kb) > 0;`

// MemoryClerks samples memory clerk usage aggregated by clerk type.
type MemoryClerks struct {
	db *sqlx.DB
}

func NewMemoryClerks(db *sqlx.DB) *MemoryClerks { return &MemoryClerks{db: db} }

func (s *MemoryClerks) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	epoch, err := serverStartTime(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ClerkType                string `db:"clerk_type"`
		PagesKB                  int64  `db:"pages_kb"`
		VirtualMemoryCommittedKB int64  `db:"virtual_memory_committed_kb"`
	}
	if err := s.db.SelectContext(ctx, &rows, memoryClerksQuery); err != nil {
		return nil, fmt.Errorf("querying memory clerks: %w", err)
	}

	now := nowUTC()
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Snapshot{
			CollectionTime:  now,
			ServerStartTime: epoch,
			EntityKey:       r.ClerkType,
			Gauges: map[string]float64{
				"pages_kb":                    float64(r.PagesKB),
				"virtual_memory_committed_kb": float64(r.VirtualMemoryCommittedKB),
			},
		})
	}
	return out, nil
}
