// Package delta computes per-counter differences and per-second rates
// between consecutive snapshots of the same entity. Cumulative counters are
// only meaningful as rates, and only within one server uptime epoch: a
// restart resets every counter, so pairs spanning a restart are never
// diffed. A counter that regressed without a restart (stats cleared, entity
// replaced under the same key) yields no delta for that counter rather than
// a negative rate; the regressed row becomes the baseline for the next pair.
package delta

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// Compute derives the delta columns for curr against its immediate
// predecessor prev. The boolean is false when the pair cannot be diffed at
// all: no predecessor, a server restart between the rows, or non-positive
// elapsed time. Individual counters are computed independently; a counter
// missing from either row or regressed in curr is simply absent from the
// result (NULL in storage).
func Compute(prev, curr *models.Snapshot, counters []string) (models.DeltaSet, bool) {
	if prev == nil || curr == nil {
		return models.DeltaSet{}, false
	}
	if !prev.ServerStartTime.Equal(curr.ServerStartTime) {
		return models.DeltaSet{}, false
	}
	elapsed := curr.CollectionTime.Sub(prev.CollectionTime).Seconds()
	if elapsed <= 0 {
		return models.DeltaSet{}, false
	}

	ds := models.DeltaSet{
		SampleIntervalSeconds: elapsed,
		Deltas:                make(map[string]int64, len(counters)),
		PerSecond:             make(map[string]float64, len(counters)),
	}
	for _, name := range counters {
		cv, okCurr := curr.Counters[name]
		pv, okPrev := prev.Counters[name]
		if !okCurr || !okPrev {
			continue
		}
		if cv < pv {
			// Anomalous regression without a restart boundary.
			continue
		}
		d := cv - pv
		ds.Deltas[name] = d
		ds.PerSecond[name] = float64(d) / elapsed
	}
	return ds, true
}

// Engine back-fills delta columns onto the latest snapshot batch of a
// domain. The store is passed per call so the engine runs inside whatever
// transactional scope the calling collector holds.
type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// ComputeDeltas locates, for each row in the domain's most recent batch,
// the immediately preceding snapshot for the same entity key and fills in
// the delta columns where the pair is comparable. Rows with no comparable
// predecessor stay baseline-only.
func (e *Engine) ComputeDeltas(ctx context.Context, store storage.SnapshotStore, d models.Domain) error {
	if len(d.Counters) == 0 {
		return nil
	}

	batch, err := store.LatestBatch(ctx, d)
	if err != nil {
		return fmt.Errorf("reading latest %s batch: %w", d.Name, err)
	}

	for i := range batch {
		curr := &batch[i]
		prev, err := store.PreviousSnapshot(ctx, d, curr.EntityKey, curr.CollectionTime)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading previous %s snapshot for %q: %w", d.Name, curr.EntityKey, err)
		}

		ds, ok := Compute(prev, curr, d.Counters)
		if !ok {
			if !prev.ServerStartTime.Equal(curr.ServerStartTime) {
				e.logger.Debug("Server restart boundary, baseline only",
					zap.String("domain", d.Name),
					zap.String("entity", curr.EntityKey),
					zap.Time("previous_start", prev.ServerStartTime),
					zap.Time("current_start", curr.ServerStartTime))
			}
			continue
		}

		if err := store.ApplyDeltas(ctx, d, curr.CollectionTime, curr.EntityKey, ds); err != nil {
			return fmt.Errorf("applying %s deltas for %q: %w", d.Name, curr.EntityKey, err)
		}
	}
	return nil
}
