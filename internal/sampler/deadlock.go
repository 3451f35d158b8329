package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/collector"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// system_health ships with the server and records xml_deadlock_report
// events by default, so no install step is needed for deadlock capture.
const systemHealthSession = "system_health"

// Deadlock captures xml_deadlock_report events from the system_health
// ring buffer.
type Deadlock struct {
	db *sqlx.DB
}

func NewDeadlock(db *sqlx.DB) *Deadlock { return &Deadlock{db: db} }

func (s *Deadlock) CaptureEvents(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	events, err := readRingBuffer(ctx, s.db, systemHealthSession, "xml_deadlock_report", since)
	if errors.Is(err, errNoSession) {
		return nil, fmt.Errorf("%v: %w", err, collector.ErrSkip)
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}
