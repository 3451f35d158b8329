package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// newEntry builds a terminal run log entry for one invocation. The entry
// is stamped with the run's start time, not the log-write time: the next
// run resumes from this timestamp, so stamping any later would open a
// window (sampling until log write) whose events are below the next
// cutoff and silently lost.
func newEntry(now, started time.Time, name, runID string, status models.Status, rows int, errMsg string) models.RunLogEntry {
	return models.RunLogEntry{
		CollectionTime: started,
		CollectorName:  name,
		Status:         status,
		RowsCollected:  rows,
		DurationMS:     now.Sub(started).Milliseconds(),
		ErrorMessage:   errMsg,
		RunID:          runID,
	}
}

// appendEntry writes a run log entry outside any transaction. A failure to
// write the log itself is logged and swallowed: the log exists to make
// failures visible, it must never create new ones.
func appendEntry(ctx context.Context, log storage.RunLog, logger *zap.Logger, e models.RunLogEntry) {
	if err := log.AppendRunLog(ctx, e); err != nil {
		logger.Warn("Failed to write run log entry",
			zap.String("collector", e.CollectorName),
			zap.String("status", string(e.Status)),
			zap.Error(err))
	}
}
