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

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/memstore"
)

var captureDom = models.Domain{
	Name:             "blocked_process",
	FirstRunLookback: 4 * time.Hour,
}

type funcEventSampler func(ctx context.Context, since time.Time) ([]models.RawEvent, error)

func (f funcEventSampler) CaptureEvents(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	return f(ctx, since)
}

func fixedEvents(events ...models.RawEvent) funcEventSampler {
	return func(context.Context, time.Time) ([]models.RawEvent, error) { return events, nil }
}

func rawEvent(at time.Time, payload string) models.RawEvent {
	return models.RawEvent{EventTime: at, Payload: payload}
}

// stubCollector is a chain stage with a scripted outcome.
type stubCollector struct {
	name string
	err  error
	runs int
}

func (s *stubCollector) Name() string                  { return s.name }
func (s *stubCollector) Domain() models.Domain         { return models.Domain{Name: s.name} }
func (s *stubCollector) Run(context.Context, bool) error {
	s.runs++
	return s.err
}

func TestCaptureCollectorBuffersEvents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	c := NewCaptureCollector(captureDom, fixedEvents(
		rawEvent(at, "<event/>"),
		rawEvent(at.Add(time.Second), "<event/>"),
	), store, zap.NewNop())

	require.NoError(t, c.Run(ctx, false))

	count, err := store.EventCount(ctx, captureDom.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	runs, err := store.RecentRuns(ctx, captureDom.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSuccess, runs[0].Status)
	assert.Equal(t, 2, runs[0].RowsCollected)
}

func TestCaptureCollectorSkipsWithoutSession(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	sampler := funcEventSampler(func(context.Context, time.Time) ([]models.RawEvent, error) {
		return nil, fmt.Errorf("session not found: %w", ErrSkip)
	})
	c := NewCaptureCollector(captureDom, sampler, store, zap.NewNop())

	require.NoError(t, c.Run(ctx, false))

	statuses := entriesByStatus(t, store, captureDom.Name)
	assert.Equal(t, 1, statuses[models.StatusSkipped])
}

func TestCutoffCoversEventsArrivingDuringRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	t0 := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	events := []models.RawEvent{rawEvent(t0.Add(-time.Minute), "<event/>")}

	now := t0
	sampler := funcEventSampler(func(_ context.Context, since time.Time) ([]models.RawEvent, error) {
		// Sampling through log write takes ten seconds.
		now = now.Add(10 * time.Second)
		var out []models.RawEvent
		for _, e := range events {
			if e.EventTime.After(since) {
				out = append(out, e)
			}
		}
		return out, nil
	})
	c := NewCaptureCollector(captureDom, sampler, store, zap.NewNop())
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Run(ctx, false))

	// A report lands while run 1 is still in flight: after it sampled,
	// before its SUCCESS entry was written. Run 2 resumes from run 1's
	// start time, so the report is still above the cutoff.
	events = append(events, rawEvent(t0.Add(5*time.Second), "<event/>"))

	now = t0.Add(time.Minute)
	require.NoError(t, c.Run(ctx, false))

	count, err := store.EventCount(ctx, captureDom.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "event produced during a run must be captured by the next one")
}

func TestChainRunsAfterNewEvents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	parse := &stubCollector{name: "blocked_reports"}
	analysis := &stubCollector{name: "blocking_analysis"}
	c := NewCaptureCollector(captureDom, fixedEvents(rawEvent(at, "<event/>")), store, zap.NewNop(),
		parse, analysis)

	require.NoError(t, c.Run(ctx, false))
	assert.Equal(t, 1, parse.runs)
	assert.Equal(t, 1, analysis.runs)
}

func TestChainSkippedWithoutNewEvents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	parse := &stubCollector{name: "blocked_reports"}
	c := NewCaptureCollector(captureDom, fixedEvents(), store, zap.NewNop(), parse)

	require.NoError(t, c.Run(ctx, false))
	assert.Zero(t, parse.runs, "no new events means no trigger")
}

func TestChainFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	parse := &stubCollector{name: "blocked_reports", err: errors.New("parse exploded")}
	analysis := &stubCollector{name: "blocking_analysis"}
	c := NewCaptureCollector(captureDom, fixedEvents(rawEvent(at, "<event/>")), store, zap.NewNop(),
		parse, analysis)

	require.NoError(t, c.Run(ctx, false), "chain failures never surface to the initiator")

	assert.Equal(t, 1, analysis.runs, "later stages still run after a failed stage")

	// The initiator keeps its SUCCESS; the stage failure is recorded as
	// CHAIN_ERROR against the initiator, naming the failed stage.
	statuses := entriesByStatus(t, store, captureDom.Name)
	assert.Equal(t, 1, statuses[models.StatusSuccess])
	assert.Equal(t, 1, statuses[models.StatusChainError])

	runs, err := store.RecentRuns(ctx, captureDom.Name, 0)
	require.NoError(t, err)
	for _, e := range runs {
		if e.Status == models.StatusChainError {
			assert.Contains(t, e.ErrorMessage, "blocked_reports")
			assert.Contains(t, e.ErrorMessage, "parse exploded")
		}
	}
}

func TestChainPanicIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureEventTable(ctx, captureDom))

	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	c := NewCaptureCollector(captureDom, fixedEvents(rawEvent(at, "<event/>")), store, zap.NewNop(),
		panicCollector{})

	require.NoError(t, c.Run(ctx, false))

	statuses := entriesByStatus(t, store, captureDom.Name)
	assert.Equal(t, 1, statuses[models.StatusChainError])
}

type panicCollector struct{}

func (panicCollector) Name() string                  { return "panics" }
func (panicCollector) Domain() models.Domain         { return models.Domain{Name: "panics"} }
func (panicCollector) Run(context.Context, bool) error { panic("boom") }
