package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/collector"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/memstore"
)

type stubCollector struct {
	name string
	err  error
	runs int
}

func (s *stubCollector) Name() string          { return s.name }
func (s *stubCollector) Domain() models.Domain { return models.Domain{Name: s.name} }
func (s *stubCollector) Run(context.Context, bool) error {
	s.runs++
	return s.err
}

func seedEntry(t *testing.T, store *memstore.Store, name string, enabled bool, next *time.Time) {
	t.Helper()
	require.NoError(t, store.UpsertSchedule(context.Background(), models.ScheduleEntry{
		CollectorName:    name,
		Enabled:          enabled,
		FrequencyMinutes: 5,
		NextRunTime:      next,
		ModifiedDate:     time.Now().UTC(),
	}))
}

func newScheduler(store *memstore.Store, collectors ...*stubCollector) *Scheduler {
	registry := collector.NewRegistry(zap.NewNop())
	for _, c := range collectors {
		registry.Register(c)
	}
	return New(store, registry, zap.NewNop())
}

func TestRunPendingDispatchesOnlyDueEnabled(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	seedEntry(t, store, "due_now", true, &past)
	seedEntry(t, store, "not_yet", true, &future)
	seedEntry(t, store, "disabled", false, nil)

	a := &stubCollector{name: "due_now"}
	b := &stubCollector{name: "not_yet"}
	c := &stubCollector{name: "disabled"}
	require.NoError(t, newScheduler(store, a, b, c).RunPending(ctx, false, false))

	assert.Equal(t, 1, a.runs)
	assert.Zero(t, b.runs)
	assert.Zero(t, c.runs)

	// Only the dispatched row is rescheduled.
	dispatched, err := store.GetSchedule(ctx, "due_now")
	require.NoError(t, err)
	require.NotNil(t, dispatched.LastRunTime)
	require.NotNil(t, dispatched.NextRunTime)
	assert.True(t, dispatched.NextRunTime.After(time.Now().UTC()))

	untouched, err := store.GetSchedule(ctx, "not_yet")
	require.NoError(t, err)
	assert.Nil(t, untouched.LastRunTime)
	assert.Equal(t, future, untouched.NextRunTime.UTC())
}

func TestRunPendingForceDispatchesAllEnabled(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	future := time.Now().UTC().Add(time.Hour)
	seedEntry(t, store, "not_yet", true, &future)
	seedEntry(t, store, "disabled", false, nil)

	a := &stubCollector{name: "not_yet"}
	b := &stubCollector{name: "disabled"}
	require.NoError(t, newScheduler(store, a, b).RunPending(ctx, true, false))

	assert.Equal(t, 1, a.runs, "force overrides next_run_time")
	assert.Zero(t, b.runs, "force never overrides the enabled flag")
}

func TestRunPendingFailingCollectorDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	past := time.Now().UTC().Add(-time.Minute)
	seedEntry(t, store, "broken", true, &past)
	seedEntry(t, store, "healthy", true, &past)

	broken := &stubCollector{name: "broken", err: errors.New("sampling failed")}
	healthy := &stubCollector{name: "healthy"}
	require.NoError(t, newScheduler(store, broken, healthy).RunPending(ctx, false, false))

	assert.Equal(t, 1, broken.runs)
	assert.Equal(t, 1, healthy.runs)

	// The failure still costs the collector its slot: next natural run,
	// not a tight retry loop.
	entry, err := store.GetSchedule(ctx, "broken")
	require.NoError(t, err)
	require.NotNil(t, entry.NextRunTime)
	assert.True(t, entry.NextRunTime.After(time.Now().UTC()))
}

func TestRunPendingLockTimeoutAbortsRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	past := time.Now().UTC().Add(-time.Minute)
	seedEntry(t, store, "due_now", true, &past)

	// Hold the scheduler lock so the run cannot acquire it.
	release, err := store.AcquireLock(ctx, collectLockName, time.Second)
	require.NoError(t, err)
	defer release()

	c := &stubCollector{name: "due_now"}
	sched := newScheduler(store, c)
	sched.SetLockWait(10 * time.Millisecond)

	err = sched.RunPending(ctx, false, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrLockTimeout)
	assert.Zero(t, c.runs, "nothing dispatches without the lock")
}

func TestRunPendingRecordsAndClearsRunState(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	past := time.Now().UTC().Add(-time.Minute)
	seedEntry(t, store, "observer", true, &past)

	observed := &stubCollector{name: "observer"}
	sched := newScheduler(store, observed)

	var midRun *models.RunState
	sched.registry.Register(&runStateProbe{store: store, out: &midRun})
	seedEntry(t, store, "probe", true, &past)

	require.NoError(t, sched.RunPending(ctx, false, false))

	require.NotNil(t, midRun, "run state must be visible while collectors run")
	assert.Equal(t, DefaultJobName, midRun.JobName)
	assert.NotZero(t, midRun.PID)

	after, err := store.ActiveRun(ctx, DefaultJobName)
	require.NoError(t, err)
	assert.Nil(t, after, "run state is cleared when the run ends")
}

// runStateProbe observes scheduler run state from inside a dispatch.
type runStateProbe struct {
	store *memstore.Store
	out   **models.RunState
}

func (p *runStateProbe) Name() string          { return "probe" }
func (p *runStateProbe) Domain() models.Domain { return models.Domain{Name: "probe"} }
func (p *runStateProbe) Run(ctx context.Context, debug bool) error {
	rs, err := p.store.ActiveRun(ctx, DefaultJobName)
	if err != nil {
		return err
	}
	*p.out = rs
	return nil
}

func TestApplyProfile(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	now := time.Now().UTC()
	seedEntry(t, store, "wait_stats", true, &now)
	seedEntry(t, store, "blocked_process", true, &now)

	require.NoError(t, ApplyProfile(ctx, store, zap.NewNop(), "balanced"))

	ws, err := store.GetSchedule(ctx, "wait_stats")
	require.NoError(t, err)
	assert.Equal(t, 5, ws.FrequencyMinutes)

	bp, err := store.GetSchedule(ctx, "blocked_process")
	require.NoError(t, err)
	assert.Equal(t, 1, bp.FrequencyMinutes, "capture stages keep their fast override")
}

func TestApplyProfileUnknownName(t *testing.T) {
	err := ApplyProfile(context.Background(), memstore.New(), zap.NewNop(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}
