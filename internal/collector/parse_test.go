package collector

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

var parsedDom = models.Domain{
	Name:   "blocked_reports",
	Gauges: []string{"wait_time_ms"},
	Labels: []string{"blocked_spid"},
}

type funcParser func(ctx context.Context, events []models.RawEvent) ([]models.Snapshot, error)

func (f funcParser) Parse(ctx context.Context, events []models.RawEvent) ([]models.Snapshot, error) {
	return f(ctx, events)
}

func seedEvents(t *testing.T, store *memstore.Store, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))
	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	events := make([]models.RawEvent, n)
	for i := range events {
		events[i] = models.RawEvent{EventTime: at.Add(time.Duration(i) * time.Second), Payload: "<event/>"}
	}
	_, err := store.InsertEvents(ctx, captureDom, events)
	require.NoError(t, err)
}

func unprocessedCount(t *testing.T, store *memstore.Store) int {
	t.Helper()
	events, err := store.UnprocessedEvents(context.Background(), captureDom, 0)
	require.NoError(t, err)
	return len(events)
}

func TestParseCollectorMarksConsumedEvents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, parsedDom))
	seedEvents(t, store, 3)

	parser := funcParser(func(_ context.Context, events []models.RawEvent) ([]models.Snapshot, error) {
		out := make([]models.Snapshot, len(events))
		for i, e := range events {
			out[i] = models.Snapshot{
				CollectionTime: e.EventTime,
				EntityKey:      "spid_54",
				Gauges:         map[string]float64{"wait_time_ms": 1000},
				Labels:         map[string]string{"blocked_spid": "54"},
			}
		}
		return out, nil
	})

	c := NewParseCollector(parsedDom, captureDom, parser, store, zap.NewNop())
	require.NoError(t, c.Run(ctx, false))

	count, err := store.SnapshotCount(ctx, parsedDom.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Zero(t, unprocessedCount(t, store), "consumed events must be marked processed")

	runs, err := store.RecentRuns(ctx, parsedDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSuccess, runs[0].Status)
	assert.Equal(t, 3, runs[0].RowsCollected)
}

func TestParseCollectorNoResultsLeavesEventsForRetry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, parsedDom))
	seedEvents(t, store, 2)

	parser := funcParser(func(context.Context, []models.RawEvent) ([]models.Snapshot, error) {
		return nil, nil
	})

	c := NewParseCollector(parsedDom, captureDom, parser, store, zap.NewNop())
	require.NoError(t, c.Run(ctx, false))

	assert.Equal(t, 2, unprocessedCount(t, store), "unparsed events stay queued")

	runs, err := store.RecentRuns(ctx, parsedDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusNoResults, runs[0].Status)
}

func TestParseCollectorEmptyBufferIsSuccess(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSnapshotTable(ctx, parsedDom))
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	parser := funcParser(func(context.Context, []models.RawEvent) ([]models.Snapshot, error) {
		t.Fatal("parser must not run on an empty buffer")
		return nil, nil
	})

	c := NewParseCollector(parsedDom, captureDom, parser, store, zap.NewNop())
	require.NoError(t, c.Run(ctx, false))

	runs, err := store.RecentRuns(ctx, parsedDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSuccess, runs[0].Status)
	assert.Zero(t, runs[0].RowsCollected)
}
