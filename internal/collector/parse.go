package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// defaultParseBatch bounds how many buffered events one parse run consumes.
const defaultParseBatch = 500

// ParseCollector drains a capture domain's event buffer through a Parser
// into structured snapshot rows. Source events are marked processed only
// after the parser confirms at least one output row for the batch; a parse
// run that yields nothing logs NO_RESULTS and leaves the rows unprocessed
// so the next cycle retries them instead of silently discarding data.
type ParseCollector struct {
	domain    models.Domain // output snapshot domain
	source    models.Domain // capture domain whose buffer is consumed
	parser    Parser
	store     storage.Store
	logger    *zap.Logger
	clock     func() time.Time
	batchSize int
}

func NewParseCollector(d, source models.Domain, parser Parser, store storage.Store, logger *zap.Logger) *ParseCollector {
	return &ParseCollector{
		domain:    d,
		source:    source,
		parser:    parser,
		store:     store,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		batchSize: defaultParseBatch,
	}
}

func (c *ParseCollector) Name() string          { return c.domain.Name }
func (c *ParseCollector) Domain() models.Domain { return c.domain }

func (c *ParseCollector) Run(ctx context.Context, debug bool) error {
	started := c.clock()
	runID := uuid.NewString()

	if err := c.ensureStorage(ctx, started, runID); err != nil {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusError, 0, err.Error()))
		return err
	}

	var rows int
	err := c.store.InTx(ctx, func(tx storage.Store) error {
		events, err := tx.UnprocessedEvents(ctx, c.source, c.batchSize)
		if err != nil {
			return fmt.Errorf("reading %s buffer: %w", c.source.Name, err)
		}
		if len(events) == 0 {
			return tx.AppendRunLog(ctx, newEntry(c.clock(), started, c.Name(), runID, models.StatusSuccess, 0, ""))
		}

		parsed, err := c.parser.Parse(ctx, events)
		if err != nil {
			return fmt.Errorf("parsing %s events: %w", c.source.Name, err)
		}
		if len(parsed) == 0 {
			// Downstream produced nothing for a non-empty range: leave
			// the source rows unprocessed for retry.
			return tx.AppendRunLog(ctx, newEntry(c.clock(), started, c.Name(), runID, models.StatusNoResults, 0,
				fmt.Sprintf("%d %s events yielded no rows", len(events), c.source.Name)))
		}

		rows, err = tx.InsertSnapshots(ctx, c.domain, parsed)
		if err != nil {
			return fmt.Errorf("inserting %s rows: %w", c.domain.Name, err)
		}

		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := tx.MarkEventsProcessed(ctx, c.source, ids); err != nil {
			return fmt.Errorf("marking %s events processed: %w", c.source.Name, err)
		}

		return tx.AppendRunLog(ctx, newEntry(c.clock(), started, c.Name(), runID, models.StatusSuccess, rows, ""))
	})

	if errors.Is(err, ErrSkip) {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusSkipped, 0, err.Error()))
		return nil
	}
	if err != nil {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusError, 0, err.Error()))
		return err
	}

	if debug {
		c.logger.Debug("Parse complete",
			zap.String("collector", c.Name()),
			zap.Int("rows", rows),
			zap.Duration("elapsed", c.clock().Sub(started)))
	}
	return nil
}

func (c *ParseCollector) ensureStorage(ctx context.Context, started time.Time, runID string) error {
	ok, err := c.store.SnapshotTableExists(ctx, c.domain.Name)
	if err != nil {
		return fmt.Errorf("checking %s table: %w", c.domain.Name, err)
	}
	if ok {
		return nil
	}

	appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusTableMissing, 0,
		fmt.Sprintf("table %s missing, creating", c.domain.SnapshotTable())))

	if err := c.store.EnsureSnapshotTable(ctx, c.domain); err != nil {
		return fmt.Errorf("creating %s table: %w", c.domain.Name, err)
	}
	ok, err = c.store.SnapshotTableExists(ctx, c.domain.Name)
	if err != nil {
		return fmt.Errorf("re-checking %s table: %w", c.domain.Name, err)
	}
	if !ok {
		return fmt.Errorf("table %s still missing after create", c.domain.SnapshotTable())
	}
	return nil
}
