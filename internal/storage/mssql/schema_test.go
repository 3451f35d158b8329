package mssql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

func TestSnapshotDDLColumns(t *testing.T) {
	d := models.Domain{
		Name:     "wait_stats",
		Counters: []string{"wait_time_ms"},
		Gauges:   []string{"resource_wait_pct"},
		Labels:   []string{"wait_category"},
	}
	ddl := snapshotDDL(d)

	assert.Contains(t, ddl, "CREATE TABLE dbo.snap_wait_stats")
	assert.Contains(t, ddl, "wait_time_ms bigint NULL")
	assert.Contains(t, ddl, "wait_time_ms_delta bigint NULL")
	assert.Contains(t, ddl, "wait_time_ms_per_second float NULL")
	assert.Contains(t, ddl, "resource_wait_pct float NULL")
	assert.Contains(t, ddl, "wait_category nvarchar(max) NULL")

	// Rows parsed from event payloads have no engine epoch to record.
	assert.Contains(t, ddl, "server_start_time datetime2(3) NULL")
	assert.NotContains(t, ddl, "server_start_time datetime2(3) NOT NULL")
}

func TestNullableTime(t *testing.T) {
	assert.Nil(t, nullableTime(time.Time{}))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at, nullableTime(at))
}

func TestValidDomainRejectsHostileIdents(t *testing.T) {
	require.NoError(t, validDomain(models.Domain{Name: "file_io", Counters: []string{"num_of_reads"}}))

	for _, name := range []string{"", "Drop", "snap;--", "x y", "1st"} {
		assert.Error(t, validDomain(models.Domain{Name: name}), name)
	}
	assert.Error(t, validDomain(models.Domain{Name: "file_io", Counters: []string{"reads; DROP TABLE"}}))
}
