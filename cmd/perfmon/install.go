package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/sampler"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/mssql"
)

// captureDomains get an event buffer in addition to a schedule row; their
// parse outputs get snapshot tables like everything else.
var (
	snapshotDomains = []models.Domain{
		sampler.WaitStatsDomain,
		sampler.FileIODomain,
		sampler.MemoryClerksDomain,
		sampler.PerfCountersDomain,
		sampler.CPUSchedulingDomain,
		sampler.BlockedReportsDomain,
		sampler.BlockingAnalysisDomain,
		sampler.DeadlockReportsDomain,
	}
	captureDomains = []models.Domain{
		sampler.BlockedProcessDomain,
		sampler.DeadlockDomain,
	}
)

// blockedSessionDDL provisions the extended event session feeding the
// blocked-process capture. STARTUP_STATE keeps it alive across restarts;
// the separate START handles the session existing but being stopped.
const blockedSessionDDL = `
IF NOT EXISTS (SELECT 1 FROM sys.server_event_sessions WHERE name = N'perfmon_blocked_process')
    CREATE EVENT SESSION perfmon_blocked_process ON SERVER
    ADD EVENT sqlserver.blocked_process_report
    ADD TARGET package0.ring_buffer (SET max_events_limit = 512)
    WITH (STARTUP_STATE = ON);

IF NOT EXISTS (SELECT 1 FROM sys.dm_xe_sessions WHERE name = N'perfmon_blocked_process')
    ALTER EVENT SESSION perfmon_blocked_process ON SERVER STATE = START;
`

// runInstall provisions every table the monitor writes to and seeds the
// schedule with each domain's default cadence. Idempotent: existing
// schedule rows keep their operator-tuned settings.
func runInstall(ctx context.Context, store *mssql.Store, logger *zap.Logger) error {
	if err := store.EnsureCoreTables(ctx); err != nil {
		return err
	}

	for _, d := range snapshotDomains {
		if err := store.EnsureSnapshotTable(ctx, d); err != nil {
			return err
		}
	}
	for _, d := range captureDomains {
		if err := store.EnsureEventTable(ctx, d); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	seeded := 0
	for _, d := range append(append([]models.Domain{}, snapshotDomains...), captureDomains...) {
		_, err := store.GetSchedule(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reading schedule for %s: %w", d.Name, err)
		}

		next := now
		entry := models.ScheduleEntry{
			CollectorName:    d.Name,
			Enabled:          true,
			FrequencyMinutes: int(d.DefaultFrequency / time.Minute),
			RetentionDays:    30,
			NextRunTime:      &next,
			Description:      d.Description,
			ModifiedDate:     now,
		}
		if entry.FrequencyMinutes < 1 {
			entry.FrequencyMinutes = 1
		}
		if err := store.UpsertSchedule(ctx, entry); err != nil {
			return fmt.Errorf("seeding schedule for %s: %w", d.Name, err)
		}
		seeded++
	}

	if _, err := store.DB().ExecContext(ctx, blockedSessionDDL); err != nil {
		// ALTER EVENT SESSION needs server-level permission the monitoring
		// login may not hold; the capture collector skips cleanly without
		// the session, so log and carry on.
		logger.Warn("Could not provision blocked process event session", zap.Error(err))
	}

	logger.Info("Install complete",
		zap.Int("snapshot_tables", len(snapshotDomains)),
		zap.Int("event_tables", len(captureDomains)),
		zap.Int("schedule_rows_seeded", seeded))
	return nil
}
