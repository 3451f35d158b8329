package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// serverStartTime reads the monitored server's boot timestamp, the epoch
// tag for every cumulative snapshot.
func serverStartTime(ctx context.Context, db *sqlx.DB) (time.Time, error) {
	var t time.Time
	err := db.GetContext(ctx, &t,
		`SELECT sqlserver_start_time FROM sys.dm_os_sys_info WITH (NOLOCK);`)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading server start time: %w", err)
	}
	return t.UTC(), nil
}

func nowUTC() time.Time { return time.Now().UTC() }
