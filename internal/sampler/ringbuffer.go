package sampler

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

const ringBufferQuery = `
SELECT CAST(t.target_data AS nvarchar(max)) AS target_data
FROM sys.dm_xe_sessions AS s
JOIN sys.dm_xe_session_targets AS t
    ON s.address = t.event_session_address
WHERE s.name = @p1
  AND t.target_name = N'ring_buffer';`

type ringBuffer struct {
	Events []ringEvent `xml:"event"`
}

type ringEvent struct {
	Name      string `xml:"name,attr"`
	Timestamp string `xml:"timestamp,attr"`
	Inner     string `xml:",innerxml"`
}

var errNoSession = errors.New("extended event session not found")

// readRingBuffer fetches and shreds the ring-buffer target of an extended
// event session, keeping events named eventName that occurred after since.
// The payload stored per event is the complete <event> element, so parsers
// downstream see exactly what the session produced.
func readRingBuffer(ctx context.Context, db *sqlx.DB, session, eventName string, since time.Time) ([]models.RawEvent, error) {
	var targetData string
	err := db.GetContext(ctx, &targetData, ringBufferQuery, sql.Named("p1", session))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", session, errNoSession)
	}
	if err != nil {
		return nil, fmt.Errorf("reading ring buffer for session %q: %w", session, err)
	}

	var rb ringBuffer
	if err := xml.Unmarshal([]byte(targetData), &rb); err != nil {
		return nil, fmt.Errorf("shredding ring buffer for session %q: %w", session, err)
	}

	var out []models.RawEvent
	for _, ev := range rb.Events {
		if ev.Name != eventName {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
		if err != nil {
			continue
		}
		at = at.UTC()
		if !at.After(since) {
			continue
		}
		out = append(out, models.RawEvent{
			EventTime: at,
			Payload: fmt.Sprintf(`<event name=%q timestamp=%q>%s</event>`,
				ev.Name, ev.Timestamp, ev.Inner),
		})
	}
	return out, nil
}
