package mssql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// identPattern constrains every dynamic identifier (domain names, counter
// and gauge column names) that gets spliced into DDL or DML.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,60}$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func validDomain(d models.Domain) error {
	if err := validIdent(d.Name); err != nil {
		return err
	}
	for _, c := range append(append(append([]string{}, d.Counters...), d.Gauges...), d.Labels...) {
		if err := validIdent(c); err != nil {
			return fmt.Errorf("domain %s: %w", d.Name, err)
		}
	}
	return nil
}

const ensureCoreDDL = `
IF OBJECT_ID(N'dbo.collection_log', N'U') IS NULL
CREATE TABLE dbo.collection_log (
    id bigint IDENTITY(1,1) NOT NULL,
    collection_time datetime2(3) NOT NULL,
    collector_name nvarchar(100) NOT NULL,
    status nvarchar(20) NOT NULL,
    rows_collected int NOT NULL CONSTRAINT df_collection_log_rows DEFAULT 0,
    duration_ms bigint NOT NULL CONSTRAINT df_collection_log_duration DEFAULT 0,
    error_message nvarchar(max) NULL,
    run_id nvarchar(36) NOT NULL,
    CONSTRAINT pk_collection_log PRIMARY KEY CLUSTERED (id)
);

IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'ix_collection_log_name_time')
CREATE NONCLUSTERED INDEX ix_collection_log_name_time
    ON dbo.collection_log (collector_name, status, collection_time DESC);

IF OBJECT_ID(N'dbo.collection_schedule', N'U') IS NULL
CREATE TABLE dbo.collection_schedule (
    collector_name nvarchar(100) NOT NULL,
    enabled bit NOT NULL CONSTRAINT df_collection_schedule_enabled DEFAULT 1,
    frequency_minutes int NOT NULL,
    max_duration_minutes int NOT NULL CONSTRAINT df_collection_schedule_maxdur DEFAULT 0,
    retention_days int NOT NULL CONSTRAINT df_collection_schedule_retention DEFAULT 30,
    last_run_time datetime2(3) NULL,
    next_run_time datetime2(3) NULL,
    description nvarchar(400) NOT NULL CONSTRAINT df_collection_schedule_desc DEFAULT N'',
    modified_date datetime2(3) NOT NULL,
    CONSTRAINT pk_collection_schedule PRIMARY KEY CLUSTERED (collector_name)
);

IF OBJECT_ID(N'dbo.collection_run_state', N'U') IS NULL
CREATE TABLE dbo.collection_run_state (
    job_name nvarchar(100) NOT NULL,
    run_id nvarchar(36) NOT NULL,
    pid int NOT NULL,
    started_at datetime2(3) NOT NULL,
    CONSTRAINT pk_collection_run_state PRIMARY KEY CLUSTERED (job_name)
);
`

// EnsureCoreTables creates the run log, schedule, and run state tables.
// Idempotent.
func (s *Store) EnsureCoreTables(ctx context.Context) error {
	if _, err := s.ext.ExecContext(ctx, ensureCoreDDL); err != nil {
		return fmt.Errorf("creating core tables: %w", err)
	}
	return nil
}

// snapshotDDL builds the idempotent CREATE for a domain's snapshot table:
// raw counter columns plus nullable delta companions, gauge and label
// columns, and the shared sample interval.
func snapshotDDL(d models.Domain) string {
	table := d.SnapshotTable()

	var cols strings.Builder
	for _, c := range d.Counters {
		fmt.Fprintf(&cols, "    %s bigint NULL,\n", c)
		fmt.Fprintf(&cols, "    %s_delta bigint NULL,\n", c)
		fmt.Fprintf(&cols, "    %s_per_second float NULL,\n", c)
	}
	for _, g := range d.Gauges {
		fmt.Fprintf(&cols, "    %s float NULL,\n", g)
	}
	for _, l := range d.Labels {
		fmt.Fprintf(&cols, "    %s nvarchar(max) NULL,\n", l)
	}

	// server_start_time admits NULL: rows parsed out of buffered event
	// payloads carry no engine epoch (only sampled rows do).
	return fmt.Sprintf(`
IF OBJECT_ID(N'dbo.%[1]s', N'U') IS NULL
CREATE TABLE dbo.%[1]s (
    collection_time datetime2(3) NOT NULL,
    server_start_time datetime2(3) NULL,
    entity_key nvarchar(400) NOT NULL,
%[2]s    sample_interval_seconds float NULL,
    CONSTRAINT pk_%[1]s PRIMARY KEY CLUSTERED (entity_key, collection_time)
);
`, table, cols.String())
}

func eventDDL(d models.Domain) string {
	table := d.EventTable()
	return fmt.Sprintf(`
IF OBJECT_ID(N'dbo.%[1]s', N'U') IS NULL
BEGIN
    CREATE TABLE dbo.%[1]s (
        id bigint IDENTITY(1,1) NOT NULL,
        event_time datetime2(3) NOT NULL,
        payload nvarchar(max) NOT NULL,
        is_processed bit NOT NULL CONSTRAINT df_%[1]s_processed DEFAULT 0,
        CONSTRAINT pk_%[1]s PRIMARY KEY CLUSTERED (id)
    );
    CREATE NONCLUSTERED INDEX ix_%[1]s_unprocessed
        ON dbo.%[1]s (is_processed, event_time);
END
`, table)
}
