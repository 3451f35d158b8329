// Package memstore is a mutex-guarded in-memory implementation of
// storage.Store. It backs the unit tests; the durable implementation
// lives in the mssql package.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// Store holds all monitor state in process memory. Transactions are
// implemented as clone-and-swap: InTx runs fn against a deep copy and
// publishes it only when fn succeeds.
type Store struct {
	mu sync.Mutex

	// locks outlive transactions, mirroring session-owned app locks.
	locksMu sync.Mutex
	locks   map[string]chan struct{}

	state *state
}

type state struct {
	domains   map[string]models.Domain
	snapshots map[string][]models.Snapshot

	eventDomains map[string]models.Domain
	events       map[string][]models.RawEvent
	nextEventID  int64

	runLog   []models.RunLogEntry
	schedule map[string]models.ScheduleEntry
	runs     map[string]models.RunState
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		locks: make(map[string]chan struct{}),
		state: &state{
			domains:      make(map[string]models.Domain),
			snapshots:    make(map[string][]models.Snapshot),
			eventDomains: make(map[string]models.Domain),
			events:       make(map[string][]models.RawEvent),
			nextEventID:  1,
			schedule:     make(map[string]models.ScheduleEntry),
			runs:         make(map[string]models.RunState),
		},
	}
}

// InTx clones the current state, runs fn against the clone, and swaps the
// clone in on success. Concurrent transactions serialize on the store
// mutex held only during clone and swap.
func (s *Store) InTx(ctx context.Context, fn func(storage.Store) error) error {
	s.mu.Lock()
	clone := s.state.clone()
	s.mu.Unlock()

	tx := &Store{locks: s.locks, state: clone}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	return nil
}

func (s *Store) EnsureCoreTables(ctx context.Context) error { return nil }

// ---- SnapshotStore ----

func (s *Store) EnsureSnapshotTable(ctx context.Context, d models.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.domains[d.Name]; !ok {
		s.state.domains[d.Name] = d
		s.state.snapshots[d.Name] = nil
	}
	return nil
}

func (s *Store) SnapshotTableExists(ctx context.Context, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.domains[domain]
	return ok, nil
}

// DropSnapshotTable removes a domain's table. Test hook for the
// storage-missing self-heal path.
func (s *Store) DropSnapshotTable(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.domains, domain)
	delete(s.state.snapshots, domain)
}

func (s *Store) SnapshotCount(ctx context.Context, domain string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.state.snapshots[domain])), nil
}

func (s *Store) InsertSnapshots(ctx context.Context, d models.Domain, rows []models.Snapshot) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.domains[d.Name]; !ok {
		return 0, storage.ErrNotFound
	}
	for _, r := range rows {
		s.state.snapshots[d.Name] = append(s.state.snapshots[d.Name], cloneSnapshot(r))
	}
	return len(rows), nil
}

func (s *Store) LatestBatch(ctx context.Context, d models.Domain) ([]models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.state.snapshots[d.Name]
	if len(rows) == 0 {
		return nil, nil
	}
	var latest time.Time
	for _, r := range rows {
		if r.CollectionTime.After(latest) {
			latest = r.CollectionTime
		}
	}
	var batch []models.Snapshot
	for _, r := range rows {
		if r.CollectionTime.Equal(latest) {
			batch = append(batch, cloneSnapshot(r))
		}
	}
	return batch, nil
}

func (s *Store) PreviousSnapshot(ctx context.Context, d models.Domain, entityKey string, before time.Time) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Snapshot
	for i := range s.state.snapshots[d.Name] {
		r := &s.state.snapshots[d.Name][i]
		if r.EntityKey != entityKey || !r.CollectionTime.Before(before) {
			continue
		}
		if best == nil || r.CollectionTime.After(best.CollectionTime) {
			best = r
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	out := cloneSnapshot(*best)
	return &out, nil
}

func (s *Store) ApplyDeltas(ctx context.Context, d models.Domain, at time.Time, entityKey string, ds models.DeltaSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.snapshots[d.Name] {
		r := &s.state.snapshots[d.Name][i]
		if r.EntityKey == entityKey && r.CollectionTime.Equal(at) {
			dsc := cloneDeltaSet(ds)
			r.Delta = &dsc
			return nil
		}
	}
	return storage.ErrNotFound
}

// ---- RunLog ----

func (s *Store) AppendRunLog(ctx context.Context, e models.RunLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.runLog = append(s.state.runLog, e)
	return nil
}

func (s *Store) LastSuccess(ctx context.Context, collector string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Time
	found := false
	for _, e := range s.state.runLog {
		if e.CollectorName == collector && e.Status == models.StatusSuccess && e.CollectionTime.After(t) {
			t = e.CollectionTime
			found = true
		}
	}
	return t, found, nil
}

func (s *Store) HasSuccess(ctx context.Context, collector string) (bool, error) {
	_, ok, err := s.LastSuccess(ctx, collector)
	return ok, err
}

func (s *Store) RecentRuns(ctx context.Context, collector string, limit int) ([]models.RunLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunLogEntry
	for _, e := range s.state.runLog {
		if collector == "" || e.CollectorName == collector {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectionTime.After(out[j].CollectionTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ScheduleStore ----

func (s *Store) ListSchedule(ctx context.Context) ([]models.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduleEntry, 0, len(s.state.schedule))
	for _, e := range s.state.schedule {
		out = append(out, cloneScheduleEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectorName < out[j].CollectorName })
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*models.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.schedule[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneScheduleEntry(e)
	return &out, nil
}

func (s *Store) DueSchedule(ctx context.Context, now time.Time) ([]models.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduleEntry
	for _, e := range s.state.schedule {
		if e.Enabled && e.NextRunTime != nil && !e.NextRunTime.After(now) {
			out = append(out, cloneScheduleEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectorName < out[j].CollectorName })
	return out, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, e models.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.schedule[e.CollectorName] = cloneScheduleEntry(e)
	return nil
}

func (s *Store) SetFrequency(ctx context.Context, name string, frequency time.Duration, maxDuration *time.Duration, enabled *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.schedule[name]
	if !ok {
		return storage.ErrNotFound
	}
	e.FrequencyMinutes = int(frequency / time.Minute)
	if maxDuration != nil {
		e.MaxDurationMinutes = int(*maxDuration / time.Minute)
	}
	if enabled != nil {
		e.Enabled = *enabled
		if !e.Enabled {
			e.NextRunTime = nil
		}
	}
	if e.Enabled && e.NextRunTime == nil {
		now := time.Now().UTC()
		e.NextRunTime = &now
	}
	e.ModifiedDate = time.Now().UTC()
	s.state.schedule[name] = e
	return nil
}

func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.schedule[name]
	if !ok {
		return storage.ErrNotFound
	}
	e.Enabled = enabled
	if enabled {
		now := time.Now().UTC()
		e.NextRunTime = &now
	} else {
		e.NextRunTime = nil
	}
	e.ModifiedDate = time.Now().UTC()
	s.state.schedule[name] = e
	return nil
}

func (s *Store) MarkDispatched(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.schedule[name]
	if !ok {
		return storage.ErrNotFound
	}
	last := now
	next := now.Add(e.Frequency())
	e.LastRunTime = &last
	e.NextRunTime = &next
	e.ModifiedDate = now
	s.state.schedule[name] = e
	return nil
}

// ---- EventBuffer ----

func (s *Store) EnsureEventTable(ctx context.Context, d models.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.eventDomains[d.Name]; !ok {
		s.state.eventDomains[d.Name] = d
		s.state.events[d.Name] = nil
	}
	return nil
}

func (s *Store) EventTableExists(ctx context.Context, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.eventDomains[domain]
	return ok, nil
}

func (s *Store) EventCount(ctx context.Context, domain string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.state.events[domain])), nil
}

func (s *Store) InsertEvents(ctx context.Context, d models.Domain, events []models.RawEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.eventDomains[d.Name]; !ok {
		return 0, storage.ErrNotFound
	}
	for _, e := range events {
		e.ID = s.state.nextEventID
		s.state.nextEventID++
		s.state.events[d.Name] = append(s.state.events[d.Name], e)
	}
	return len(events), nil
}

func (s *Store) UnprocessedEvents(ctx context.Context, d models.Domain, limit int) ([]models.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RawEvent
	for _, e := range s.state.events[d.Name] {
		if !e.Processed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkEventsProcessed(ctx context.Context, d models.Domain, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.state.events[d.Name] {
		if want[s.state.events[d.Name][i].ID] {
			s.state.events[d.Name][i].Processed = true
		}
	}
	return nil
}

// ---- RunStateStore ----

func (s *Store) BeginRun(ctx context.Context, rs models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.runs[rs.JobName] = rs
	return nil
}

func (s *Store) EndRun(ctx context.Context, jobName, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.state.runs[jobName]; ok && rs.RunID == runID {
		delete(s.state.runs, jobName)
	}
	return nil
}

func (s *Store) ActiveRun(ctx context.Context, jobName string) (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.state.runs[jobName]
	if !ok {
		return nil, nil
	}
	out := rs
	return &out, nil
}

func (s *Store) ClearRun(ctx context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.runs, jobName)
	return nil
}

// ---- Locker ----

func (s *Store) AcquireLock(ctx context.Context, name string, wait time.Duration) (func() error, error) {
	s.locksMu.Lock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() error {
			<-ch
			return nil
		}, nil
	case <-timer.C:
		return nil, storage.ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- clone helpers ----

func (st *state) clone() *state {
	out := &state{
		domains:      make(map[string]models.Domain, len(st.domains)),
		snapshots:    make(map[string][]models.Snapshot, len(st.snapshots)),
		eventDomains: make(map[string]models.Domain, len(st.eventDomains)),
		events:       make(map[string][]models.RawEvent, len(st.events)),
		nextEventID:  st.nextEventID,
		runLog:       append([]models.RunLogEntry(nil), st.runLog...),
		schedule:     make(map[string]models.ScheduleEntry, len(st.schedule)),
		runs:         make(map[string]models.RunState, len(st.runs)),
	}
	for k, v := range st.domains {
		out.domains[k] = v
	}
	for k, rows := range st.snapshots {
		cp := make([]models.Snapshot, len(rows))
		for i, r := range rows {
			cp[i] = cloneSnapshot(r)
		}
		out.snapshots[k] = cp
	}
	for k, v := range st.eventDomains {
		out.eventDomains[k] = v
	}
	for k, evs := range st.events {
		out.events[k] = append([]models.RawEvent(nil), evs...)
	}
	for k, v := range st.schedule {
		out.schedule[k] = cloneScheduleEntry(v)
	}
	for k, v := range st.runs {
		out.runs[k] = v
	}
	return out
}

func cloneSnapshot(r models.Snapshot) models.Snapshot {
	out := r
	if r.Counters != nil {
		out.Counters = make(map[string]int64, len(r.Counters))
		for k, v := range r.Counters {
			out.Counters[k] = v
		}
	}
	if r.Gauges != nil {
		out.Gauges = make(map[string]float64, len(r.Gauges))
		for k, v := range r.Gauges {
			out.Gauges[k] = v
		}
	}
	if r.Labels != nil {
		out.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			out.Labels[k] = v
		}
	}
	if r.Delta != nil {
		ds := cloneDeltaSet(*r.Delta)
		out.Delta = &ds
	}
	return out
}

func cloneDeltaSet(ds models.DeltaSet) models.DeltaSet {
	out := ds
	if ds.Deltas != nil {
		out.Deltas = make(map[string]int64, len(ds.Deltas))
		for k, v := range ds.Deltas {
			out.Deltas[k] = v
		}
	}
	if ds.PerSecond != nil {
		out.PerSecond = make(map[string]float64, len(ds.PerSecond))
		for k, v := range ds.PerSecond {
			out.PerSecond[k] = v
		}
	}
	return out
}

func cloneScheduleEntry(e models.ScheduleEntry) models.ScheduleEntry {
	out := e
	if e.LastRunTime != nil {
		t := *e.LastRunTime
		out.LastRunTime = &t
	}
	if e.NextRunTime != nil {
		t := *e.NextRunTime
		out.NextRunTime = &t
	}
	return out
}
