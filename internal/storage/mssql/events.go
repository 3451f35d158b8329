package mssql

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

func (s *Store) EnsureEventTable(ctx context.Context, d models.Domain) error {
	if err := validDomain(d); err != nil {
		return err
	}
	if _, err := s.ext.ExecContext(ctx, eventDDL(d)); err != nil {
		return fmt.Errorf("creating %s: %w", d.EventTable(), err)
	}
	return nil
}

func (s *Store) EventTableExists(ctx context.Context, domain string) (bool, error) {
	if err := validIdent(domain); err != nil {
		return false, err
	}
	return s.objectExists(ctx, "events_"+domain)
}

func (s *Store) EventCount(ctx context.Context, domain string) (int64, error) {
	if err := validIdent(domain); err != nil {
		return 0, err
	}
	var n int64
	err := sqlx.GetContext(ctx, s.ext, &n,
		fmt.Sprintf("SELECT COUNT_BIG(*) FROM dbo.events_%s WITH (NOLOCK);", domain))
	if err != nil {
		return 0, fmt.Errorf("counting events_%s: %w", domain, err)
	}
	return n, nil
}

func (s *Store) InsertEvents(ctx context.Context, d models.Domain, events []models.RawEvent) (int, error) {
	if err := validDomain(d); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf("INSERT INTO dbo.%s (event_time, payload) VALUES (@p1, @p2);", d.EventTable())
	for _, e := range events {
		if _, err := s.ext.ExecContext(ctx, q, e.EventTime, e.Payload); err != nil {
			return 0, fmt.Errorf("buffering into %s: %w", d.EventTable(), normalizeErr(err))
		}
	}
	return len(events), nil
}

func (s *Store) UnprocessedEvents(ctx context.Context, d models.Domain, limit int) ([]models.RawEvent, error) {
	if err := validDomain(d); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	q := fmt.Sprintf(`SELECT TOP (@p1) id, event_time, payload, is_processed
FROM dbo.%s
WHERE is_processed = 0
ORDER BY event_time, id;`, d.EventTable())

	var out []models.RawEvent
	if err := sqlx.SelectContext(ctx, s.ext, &out, q, limit); err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.EventTable(), err)
	}
	return out, nil
}

func (s *Store) MarkEventsProcessed(ctx context.Context, d models.Domain, ids []int64) error {
	if err := validDomain(d); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	q, args, err := sqlx.In(
		fmt.Sprintf("UPDATE dbo.%s SET is_processed = 1 WHERE id IN (?);", d.EventTable()), ids)
	if err != nil {
		return fmt.Errorf("building processed update: %w", err)
	}
	q = s.ext.Rebind(q)
	if _, err := s.ext.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("marking %s processed: %w", d.EventTable(), normalizeErr(err))
	}
	return nil
}
