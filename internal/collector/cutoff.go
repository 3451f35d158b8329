package collector

import (
	"time"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// DefaultLookback bounds the collection window when neither run history
// nor a schedule frequency is available.
const DefaultLookback = 15 * time.Minute

// DeriveCutoff computes the lower bound timestamp for "new" data.
//
// Before the first recorded success, with nothing stored yet, the domain's
// wide backfill window applies so history is seeded. In steady state the
// cutoff is the last successful collection time. With history lost but data
// present (log purged, table kept) the schedule interval approximates it,
// falling back to DefaultLookback when the frequency is unknown.
//
// Pure function: callers fetch the inputs, so the policy is testable
// without a store.
func DeriveCutoff(now time.Time, entry *models.ScheduleEntry, lastSuccess time.Time, hasSuccess, storeEmpty bool, d models.Domain) time.Time {
	if !hasSuccess && storeEmpty {
		lookback := d.FirstRunLookback
		if lookback <= 0 {
			lookback = time.Hour
		}
		return now.Add(-lookback)
	}
	if hasSuccess {
		return lastSuccess
	}
	if entry != nil && entry.FrequencyMinutes > 0 {
		return now.Add(-entry.Frequency())
	}
	return now.Add(-DefaultLookback)
}
