package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/delta"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/memstore"
)

var (
	testEpoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	testDom   = models.Domain{
		Name:             "wait_stats",
		Counters:         []string{"wait_time_ms"},
		FirstRunLookback: time.Hour,
	}
)

// funcSampler adapts a function to the Sampler interface.
type funcSampler func(ctx context.Context, since time.Time) ([]models.Snapshot, error)

func (f funcSampler) Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error) {
	return f(ctx, since)
}

func fixedSampler(rows ...models.Snapshot) funcSampler {
	return func(context.Context, time.Time) ([]models.Snapshot, error) { return rows, nil }
}

func waitRow(at time.Time, key string, waitMS int64) models.Snapshot {
	return models.Snapshot{
		CollectionTime:  at,
		ServerStartTime: testEpoch,
		EntityKey:       key,
		Counters:        map[string]int64{"wait_time_ms": waitMS},
	}
}

func entriesByStatus(t *testing.T, store *memstore.Store, name string) map[models.Status]int {
	t.Helper()
	runs, err := store.RecentRuns(context.Background(), name, 0)
	require.NoError(t, err)
	out := map[models.Status]int{}
	for _, e := range runs {
		out[e.Status]++
	}
	return out
}

func TestSnapshotCollectorSuccess(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, testDom))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	c := NewSnapshotCollector(testDom, fixedSampler(
		waitRow(at, "LCK_M_X", 5000),
		waitRow(at, "PAGEIOLATCH_SH", 200),
	), store, delta.NewEngine(zap.NewNop()), zap.NewNop())

	require.NoError(t, c.Run(ctx, false))

	count, err := store.SnapshotCount(ctx, testDom.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	runs, err := store.RecentRuns(ctx, testDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSuccess, runs[0].Status)
	assert.Equal(t, 2, runs[0].RowsCollected)
	assert.NotEmpty(t, runs[0].RunID)
}

func TestSnapshotCollectorSecondRunComputesDeltas(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, testDom))

	t0 := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	batches := [][]models.Snapshot{
		{waitRow(t0, "LCK_M_X", 5000)},
		{waitRow(t1, "LCK_M_X", 8000)},
	}
	var call int
	sampler := funcSampler(func(context.Context, time.Time) ([]models.Snapshot, error) {
		rows := batches[call]
		call++
		return rows, nil
	})

	c := NewSnapshotCollector(testDom, sampler, store, delta.NewEngine(zap.NewNop()), zap.NewNop())
	require.NoError(t, c.Run(ctx, false))
	require.NoError(t, c.Run(ctx, false))

	batch, err := store.LatestBatch(ctx, testDom)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].Delta)
	assert.Equal(t, int64(3000), batch[0].Delta.Deltas["wait_time_ms"])
	assert.Equal(t, 50.0, batch[0].Delta.PerSecond["wait_time_ms"])
	assert.Equal(t, 60.0, batch[0].Delta.SampleIntervalSeconds)
}

func TestSnapshotCollectorHealsMissingTable(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	// Table intentionally not provisioned.

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	c := NewSnapshotCollector(testDom, fixedSampler(waitRow(at, "LCK_M_X", 1)), store,
		delta.NewEngine(zap.NewNop()), zap.NewNop())

	require.NoError(t, c.Run(ctx, false))

	ok, err := store.SnapshotTableExists(ctx, testDom.Name)
	require.NoError(t, err)
	assert.True(t, ok)

	statuses := entriesByStatus(t, store, testDom.Name)
	assert.Equal(t, 1, statuses[models.StatusTableMissing])
	assert.Equal(t, 1, statuses[models.StatusSuccess])
}

func TestSnapshotCollectorErrorRollsBackWrites(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, testDom))

	sampler := funcSampler(func(context.Context, time.Time) ([]models.Snapshot, error) {
		return nil, errors.New("dmv unavailable")
	})
	c := NewSnapshotCollector(testDom, sampler, store, delta.NewEngine(zap.NewNop()), zap.NewNop())

	err := c.Run(ctx, false)
	require.Error(t, err)

	count, err2 := store.SnapshotCount(ctx, testDom.Name)
	require.NoError(t, err2)
	assert.Zero(t, count, "failed run must leave no partial rows")

	runs, err2 := store.RecentRuns(ctx, testDom.Name, 0)
	require.NoError(t, err2)
	require.Len(t, runs, 1, "the error entry survives the rollback")
	assert.Equal(t, models.StatusError, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "dmv unavailable")
}

func TestSnapshotCollectorSkipsOnMissingPrerequisite(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, testDom))

	sampler := funcSampler(func(context.Context, time.Time) ([]models.Snapshot, error) {
		return nil, fmt.Errorf("feature disabled: %w", ErrSkip)
	})
	c := NewSnapshotCollector(testDom, sampler, store, delta.NewEngine(zap.NewNop()), zap.NewNop())

	require.NoError(t, c.Run(ctx, false), "expected degradation is not an error")

	runs, err := store.RecentRuns(ctx, testDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSkipped, runs[0].Status)
}
