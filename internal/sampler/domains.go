// Package sampler implements the per-domain Sampler capabilities against
// SQL Server's introspection views, plus the extended-event captures that
// feed the raw event buffers. Each domain descriptor pairs a snapshot
// table layout with the collection policy the generic collector engine
// needs; the queries follow the usual DMV idioms (NOLOCK reads, benign
// wait filtering, ring-buffer shredding).
package sampler

import (
	"time"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// WaitStatsDomain samples sys.dm_os_wait_stats. All counters are
// cumulative since server start.
var WaitStatsDomain = models.Domain{
	Name:             "wait_stats",
	Counters:         []string{"waiting_tasks_count", "wait_time_ms", "signal_wait_time_ms"},
	Gauges:           []string{"max_wait_time_ms"},
	FirstRunLookback: time.Hour,
	DefaultFrequency: time.Minute,
	Description:      "Wait statistics by wait type",
}

// FileIODomain samples sys.dm_io_virtual_file_stats joined to
// sys.master_files, one row per database file.
var FileIODomain = models.Domain{
	Name: "file_io",
	Counters: []string{
		"num_of_reads", "num_of_bytes_read", "io_stall_read_ms",
		"num_of_writes", "num_of_bytes_written", "io_stall_write_ms",
	},
	Gauges:           []string{"size_on_disk_mb"},
	Labels:           []string{"physical_name", "file_type"},
	FirstRunLookback: time.Hour,
	DefaultFrequency: 5 * time.Minute,
	Description:      "File I/O statistics per database file",
}

// MemoryClerksDomain samples sys.dm_os_memory_clerks. Gauges only; memory
// grants move in both directions so there is nothing to delta.
var MemoryClerksDomain = models.Domain{
	Name:             "memory_clerks",
	Gauges:           []string{"pages_kb", "virtual_memory_committed_kb"},
	FirstRunLookback: time.Hour,
	DefaultFrequency: 5 * time.Minute,
	Description:      "Memory clerk usage by clerk type",
}

// PerfCountersDomain samples the cumulative counters of
// sys.dm_os_performance_counters.
var PerfCountersDomain = models.Domain{
	Name:             "perf_counters",
	Counters:         []string{"cntr_value"},
	FirstRunLookback: time.Hour,
	DefaultFrequency: time.Minute,
	Description:      "Cumulative performance counters",
}

// CPUSchedulingDomain samples sys.dm_os_schedulers, one row per visible
// scheduler.
var CPUSchedulingDomain = models.Domain{
	Name:             "cpu_scheduling",
	Counters:         []string{"context_switches_count", "preemptive_switches_count"},
	Gauges:           []string{"runnable_tasks_count", "current_tasks_count", "pending_disk_io_count"},
	FirstRunLookback: time.Hour,
	DefaultFrequency: time.Minute,
	Description:      "CPU scheduler pressure per scheduler",
}

// BlockedProcessDomain buffers raw blocked-process-report events.
var BlockedProcessDomain = models.Domain{
	Name:             "blocked_process",
	FirstRunLookback: 4 * time.Hour,
	DefaultFrequency: time.Minute,
	Description:      "Raw blocked process report capture",
}

// BlockedReportsDomain holds structured rows parsed from the
// blocked-process buffer.
var BlockedReportsDomain = models.Domain{
	Name:             "blocked_reports",
	Gauges:           []string{"wait_time_ms"},
	Labels:           []string{"blocked_spid", "blocking_spid", "wait_resource", "blocked_statement", "blocking_statement"},
	FirstRunLookback: 4 * time.Hour,
	DefaultFrequency: 5 * time.Minute,
	Description:      "Parsed blocked process reports",
}

// BlockingAnalysisDomain aggregates parsed blocking rows into per-blocker
// pressure figures.
var BlockingAnalysisDomain = models.Domain{
	Name:             "blocking_analysis",
	Gauges:           []string{"incidents", "total_wait_time_ms", "max_wait_time_ms"},
	FirstRunLookback: 24 * time.Hour,
	DefaultFrequency: 5 * time.Minute,
	Description:      "Blocking pressure aggregated by blocking session",
}

// DeadlockDomain buffers raw xml_deadlock_report events from
// system_health.
var DeadlockDomain = models.Domain{
	Name:             "deadlock",
	FirstRunLookback: 3 * 24 * time.Hour,
	DefaultFrequency: time.Minute,
	Description:      "Raw deadlock report capture",
}

// DeadlockReportsDomain holds structured rows parsed from the deadlock
// buffer.
var DeadlockReportsDomain = models.Domain{
	Name:             "deadlock_reports",
	Gauges:           []string{"process_count"},
	Labels:           []string{"victim_id", "wait_resource", "victim_statement"},
	FirstRunLookback: 3 * 24 * time.Hour,
	DefaultFrequency: 5 * time.Minute,
	Description:      "Parsed deadlock reports",
}
