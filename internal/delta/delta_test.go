package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/memstore"
)

var (
	epoch   = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t0      = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t1      = t0.Add(60 * time.Second)
	testDom = models.Domain{
		Name:     "wait_stats",
		Counters: []string{"waiting_tasks_count", "wait_time_ms"},
	}
)

func snap(at, start time.Time, key string, counters map[string]int64) models.Snapshot {
	return models.Snapshot{
		CollectionTime:  at,
		ServerStartTime: start,
		EntityKey:       key,
		Counters:        counters,
	}
}

func TestComputePair(t *testing.T) {
	prev := snap(t0, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 100, "wait_time_ms": 5000})
	curr := snap(t1, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 160, "wait_time_ms": 8000})

	ds, ok := Compute(&prev, &curr, testDom.Counters)
	require.True(t, ok)
	assert.Equal(t, 60.0, ds.SampleIntervalSeconds)
	assert.Equal(t, int64(60), ds.Deltas["waiting_tasks_count"])
	assert.Equal(t, int64(3000), ds.Deltas["wait_time_ms"])
	assert.Equal(t, 1.0, ds.PerSecond["waiting_tasks_count"])
	assert.Equal(t, 50.0, ds.PerSecond["wait_time_ms"])
}

func TestComputeRestartBoundary(t *testing.T) {
	prev := snap(t0, epoch, "LCK_M_X", map[string]int64{"wait_time_ms": 5000})
	curr := snap(t1, epoch.Add(time.Hour), "LCK_M_X", map[string]int64{"wait_time_ms": 10})

	_, ok := Compute(&prev, &curr, testDom.Counters)
	assert.False(t, ok, "pairs spanning a restart must not be diffed")
}

func TestComputeNoPredecessor(t *testing.T) {
	curr := snap(t1, epoch, "LCK_M_X", map[string]int64{"wait_time_ms": 10})
	_, ok := Compute(nil, &curr, testDom.Counters)
	assert.False(t, ok)
}

func TestComputeZeroElapsed(t *testing.T) {
	prev := snap(t0, epoch, "LCK_M_X", map[string]int64{"wait_time_ms": 5})
	curr := snap(t0, epoch, "LCK_M_X", map[string]int64{"wait_time_ms": 9})
	_, ok := Compute(&prev, &curr, testDom.Counters)
	assert.False(t, ok)
}

func TestComputeCountersAreIndependent(t *testing.T) {
	// wait_time_ms regressed without a restart; waiting_tasks_count did not.
	prev := snap(t0, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 100, "wait_time_ms": 5000})
	curr := snap(t1, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 150, "wait_time_ms": 400})

	ds, ok := Compute(&prev, &curr, testDom.Counters)
	require.True(t, ok)
	assert.Equal(t, int64(50), ds.Deltas["waiting_tasks_count"])
	_, regressed := ds.Deltas["wait_time_ms"]
	assert.False(t, regressed, "regressed counter must stay absent, not negative")
	_, regressed = ds.PerSecond["wait_time_ms"]
	assert.False(t, regressed)
}

func TestComputeMissingCounter(t *testing.T) {
	prev := snap(t0, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 100})
	curr := snap(t1, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 110, "wait_time_ms": 50})

	ds, ok := Compute(&prev, &curr, testDom.Counters)
	require.True(t, ok)
	assert.Contains(t, ds.Deltas, "waiting_tasks_count")
	assert.NotContains(t, ds.Deltas, "wait_time_ms")
}

func TestEngineBackfillsLatestBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, testDom))

	_, err := store.InsertSnapshots(ctx, testDom, []models.Snapshot{
		snap(t0, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 100, "wait_time_ms": 5000}),
		snap(t0, epoch, "PAGEIOLATCH_SH", map[string]int64{"waiting_tasks_count": 10, "wait_time_ms": 200}),
	})
	require.NoError(t, err)
	_, err = store.InsertSnapshots(ctx, testDom, []models.Snapshot{
		snap(t1, epoch, "LCK_M_X", map[string]int64{"waiting_tasks_count": 160, "wait_time_ms": 8000}),
		// New wait type with no predecessor: stays baseline-only.
		snap(t1, epoch, "SOS_SCHEDULER_YIELD", map[string]int64{"waiting_tasks_count": 7, "wait_time_ms": 30}),
	})
	require.NoError(t, err)

	engine := NewEngine(zap.NewNop())
	require.NoError(t, engine.ComputeDeltas(ctx, store, testDom))

	batch, err := store.LatestBatch(ctx, testDom)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	byKey := map[string]models.Snapshot{}
	for _, r := range batch {
		byKey[r.EntityKey] = r
	}

	lck := byKey["LCK_M_X"]
	require.NotNil(t, lck.Delta)
	assert.Equal(t, int64(60), lck.Delta.Deltas["waiting_tasks_count"])
	assert.Equal(t, 50.0, lck.Delta.PerSecond["wait_time_ms"])

	assert.Nil(t, byKey["SOS_SCHEDULER_YIELD"].Delta, "first observation has no delta")
}

func TestEngineSkipsGaugeOnlyDomains(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	gaugeDom := models.Domain{Name: "memory_clerks", Gauges: []string{"pages_kb"}}
	require.NoError(t, store.EnsureSnapshotTable(ctx, gaugeDom))

	engine := NewEngine(zap.NewNop())
	require.NoError(t, engine.ComputeDeltas(ctx, store, gaugeDom))
}
