package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/delta"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// SnapshotCollector samples a domain's current raw counters, stores them as
// a new snapshot batch, and invokes the delta engine over the batch. All
// storage writes for one run happen in a single transaction; only the ERROR
// run log entry is written outside it, so failures stay visible after
// rollback.
type SnapshotCollector struct {
	domain  models.Domain
	sampler Sampler
	store   storage.Store
	deltas  *delta.Engine
	logger  *zap.Logger
	clock   func() time.Time
}

func NewSnapshotCollector(d models.Domain, sampler Sampler, store storage.Store, deltas *delta.Engine, logger *zap.Logger) *SnapshotCollector {
	return &SnapshotCollector{
		domain:  d,
		sampler: sampler,
		store:   store,
		deltas:  deltas,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *SnapshotCollector) Name() string          { return c.domain.Name }
func (c *SnapshotCollector) Domain() models.Domain { return c.domain }

func (c *SnapshotCollector) Run(ctx context.Context, debug bool) error {
	started := c.clock()
	runID := uuid.NewString()

	if debug {
		c.logger.Debug("Starting snapshot collection", zap.String("collector", c.Name()))
	}

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
		if debug {
			c.logger.Debug("Derived cutoff", zap.String("collector", c.Name()), zap.Time("cutoff", cutoff))
		}

		samples, err := c.sampler.Sample(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("sampling %s: %w", c.domain.Name, err)
		}

		rows, err = tx.InsertSnapshots(ctx, c.domain, samples)
		if err != nil {
			return fmt.Errorf("inserting %s snapshots: %w", c.domain.Name, err)
		}

		if rows > 0 {
			if err := c.deltas.ComputeDeltas(ctx, tx, c.domain); err != nil {
				return err
			}
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

	c.logger.Info("Collection complete",
		zap.String("collector", c.Name()),
		zap.Int("rows", rows),
		zap.Duration("elapsed", c.clock().Sub(started)))
	return nil
}

// ensureStorage verifies the snapshot table exists, self-healing once via
// the idempotent ensure operation. Still missing after the heal attempt is
// fatal.
func (c *SnapshotCollector) ensureStorage(ctx context.Context, started time.Time, runID string) error {
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

func (c *SnapshotCollector) deriveCutoff(ctx context.Context, tx storage.Store) (time.Time, error) {
	last, hasSuccess, err := tx.LastSuccess(ctx, c.Name())
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s run history: %w", c.Name(), err)
	}
	count, err := tx.SnapshotCount(ctx, c.domain.Name)
	if err != nil {
		return time.Time{}, fmt.Errorf("counting %s snapshots: %w", c.domain.Name, err)
	}
	entry, err := tx.GetSchedule(ctx, c.Name())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, fmt.Errorf("reading %s schedule: %w", c.Name(), err)
	}
	return DeriveCutoff(c.clock(), entry, last, hasSuccess, count == 0, c.domain), nil
}
