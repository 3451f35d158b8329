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

// CaptureCollector buffers raw diagnostic payloads (blocked-process
// reports, deadlock graphs) into the domain's event buffer. When a run
// commits with new rows it fires its chain stages post-commit, cutting the
// latency between capture and parse without coupling correctness to it.
type CaptureCollector struct {
	domain  models.Domain
	sampler EventSampler
	store   storage.Store
	logger  *zap.Logger
	clock   func() time.Time
	chain   []Collector
}

func NewCaptureCollector(d models.Domain, sampler EventSampler, store storage.Store, logger *zap.Logger, chain ...Collector) *CaptureCollector {
	return &CaptureCollector{
		domain:  d,
		sampler: sampler,
		store:   store,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
		chain:   chain,
	}
}

func (c *CaptureCollector) Name() string          { return c.domain.Name }
func (c *CaptureCollector) Domain() models.Domain { return c.domain }

func (c *CaptureCollector) Run(ctx context.Context, debug bool) error {
	started := c.clock()
	runID := uuid.NewString()

	if err := c.ensureStorage(ctx, started, runID); err != nil {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusError, 0, err.Error()))
		return err
	}

	var rows int
	err := c.store.InTx(ctx, func(tx storage.Store) error {
		cutoff, err := c.deriveCutoff(ctx, tx)
		if err != nil {
			return err
		}

		events, err := c.sampler.CaptureEvents(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("capturing %s events: %w", c.domain.Name, err)
		}

		rows, err = tx.InsertEvents(ctx, c.domain, events)
		if err != nil {
			return fmt.Errorf("buffering %s events: %w", c.domain.Name, err)
		}

		return tx.AppendRunLog(ctx, newEntry(c.clock(), started, c.Name(), runID, models.StatusSuccess, rows, ""))
	})

	if errors.Is(err, ErrSkip) {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusSkipped, 0, err.Error()))
		c.logger.Info("Collector skipped", zap.String("collector", c.Name()), zap.String("reason", err.Error()))
		return nil
	}
	if err != nil {
		appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusError, 0, err.Error()))
		return err
	}

	c.logger.Info("Capture complete",
		zap.String("collector", c.Name()),
		zap.Int("events", rows),
		zap.Duration("elapsed", c.clock().Sub(started)))

	// Post-commit: trigger downstream stages only when there is new work.
	if rows > 0 && len(c.chain) > 0 {
		runChain(ctx, c.store, c.logger, c.clock, c.Name(), c.chain, debug)
	}
	return nil
}

func (c *CaptureCollector) ensureStorage(ctx context.Context, started time.Time, runID string) error {
	ok, err := c.store.EventTableExists(ctx, c.domain.Name)
	if err != nil {
		return fmt.Errorf("checking %s event table: %w", c.domain.Name, err)
	}
	if ok {
		return nil
	}

	appendEntry(ctx, c.store, c.logger, newEntry(c.clock(), started, c.Name(), runID, models.StatusTableMissing, 0,
		fmt.Sprintf("table %s missing, creating", c.domain.EventTable())))

	if err := c.store.EnsureEventTable(ctx, c.domain); err != nil {
		return fmt.Errorf("creating %s event table: %w", c.domain.Name, err)
	}
	ok, err = c.store.EventTableExists(ctx, c.domain.Name)
	if err != nil {
		return fmt.Errorf("re-checking %s event table: %w", c.domain.Name, err)
	}
	if !ok {
		return fmt.Errorf("table %s still missing after create", c.domain.EventTable())
	}
	return nil
}

func (c *CaptureCollector) deriveCutoff(ctx context.Context, tx storage.Store) (time.Time, error) {
	last, hasSuccess, err := tx.LastSuccess(ctx, c.Name())
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s run history: %w", c.Name(), err)
	}
	count, err := tx.EventCount(ctx, c.domain.Name)
	if err != nil {
		return time.Time{}, fmt.Errorf("counting %s events: %w", c.domain.Name, err)
	}
	entry, err := tx.GetSchedule(ctx, c.Name())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, fmt.Errorf("reading %s schedule: %w", c.Name(), err)
	}
	return DeriveCutoff(c.clock(), entry, last, hasSuccess, count == 0, c.domain), nil
}
