package mssql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

func (s *Store) EnsureSnapshotTable(ctx context.Context, d models.Domain) error {
	if err := validDomain(d); err != nil {
		return err
	}
	if _, err := s.ext.ExecContext(ctx, snapshotDDL(d)); err != nil {
		return fmt.Errorf("creating %s: %w", d.SnapshotTable(), err)
	}
	return nil
}

func (s *Store) SnapshotTableExists(ctx context.Context, domain string) (bool, error) {
	if err := validIdent(domain); err != nil {
		return false, err
	}
	return s.objectExists(ctx, "snap_"+domain)
}

func (s *Store) SnapshotCount(ctx context.Context, domain string) (int64, error) {
	if err := validIdent(domain); err != nil {
		return 0, err
	}
	var n int64
	err := sqlx.GetContext(ctx, s.ext, &n,
		fmt.Sprintf("SELECT COUNT_BIG(*) FROM dbo.snap_%s WITH (NOLOCK);", domain))
	if err != nil {
		return 0, fmt.Errorf("counting snap_%s: %w", domain, err)
	}
	return n, nil
}

func (s *Store) InsertSnapshots(ctx context.Context, d models.Domain, rows []models.Snapshot) (int, error) {
	if err := validDomain(d); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	cols := []string{"collection_time", "server_start_time", "entity_key"}
	cols = append(cols, d.Counters...)
	cols = append(cols, d.Gauges...)
	cols = append(cols, d.Labels...)

	placeholders := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = ":" + c
	}
	q := fmt.Sprintf("INSERT INTO dbo.%s (%s) VALUES (%s);",
		d.SnapshotTable(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	for _, r := range rows {
		arg := map[string]interface{}{
			"collection_time":   r.CollectionTime,
			"server_start_time": nullableTime(r.ServerStartTime),
			"entity_key":        r.EntityKey,
		}
		for _, c := range d.Counters {
			arg[c] = nullableInt(r.Counters, c)
		}
		for _, g := range d.Gauges {
			arg[g] = nullableFloat(r.Gauges, g)
		}
		for _, l := range d.Labels {
			arg[l] = nullableString(r.Labels, l)
		}
		if _, err := sqlx.NamedExecContext(ctx, s.ext, q, arg); err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", d.SnapshotTable(), normalizeErr(err))
		}
	}
	return len(rows), nil
}

func (s *Store) LatestBatch(ctx context.Context, d models.Domain) ([]models.Snapshot, error) {
	if err := validDomain(d); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT * FROM dbo.%[1]s
WHERE collection_time = (SELECT MAX(collection_time) FROM dbo.%[1]s);`, d.SnapshotTable())

	rows, err := s.ext.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reading latest %s batch: %w", d.SnapshotTable(), err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		raw := map[string]interface{}{}
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", d.SnapshotTable(), err)
		}
		out = append(out, rowToSnapshot(d, raw))
	}
	return out, rows.Err()
}

func (s *Store) PreviousSnapshot(ctx context.Context, d models.Domain, entityKey string, before time.Time) (*models.Snapshot, error) {
	if err := validDomain(d); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT TOP (1) * FROM dbo.%s
WHERE entity_key = @p1 AND collection_time < @p2
ORDER BY collection_time DESC;`, d.SnapshotTable())

	rows, err := s.ext.QueryxContext(ctx, q, entityKey, before)
	if err != nil {
		return nil, fmt.Errorf("reading previous %s snapshot: %w", d.SnapshotTable(), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storage.ErrNotFound
	}
	raw := map[string]interface{}{}
	if err := rows.MapScan(raw); err != nil {
		return nil, fmt.Errorf("scanning %s row: %w", d.SnapshotTable(), err)
	}
	snap := rowToSnapshot(d, raw)
	return &snap, nil
}

// ApplyDeltas back-fills delta columns on one row. Counters absent from
// the set keep their NULL default, which is exactly the anomalous-reset
// policy.
func (s *Store) ApplyDeltas(ctx context.Context, d models.Domain, at time.Time, entityKey string, ds models.DeltaSet) error {
	if err := validDomain(d); err != nil {
		return err
	}

	sets := []string{"sample_interval_seconds = :sample_interval_seconds"}
	arg := map[string]interface{}{
		"sample_interval_seconds": ds.SampleIntervalSeconds,
		"at":                      at,
		"entity_key":              entityKey,
	}
	for _, c := range d.Counters {
		v, ok := ds.Deltas[c]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%[1]s_delta = :%[1]s_delta, %[1]s_per_second = :%[1]s_per_second", c))
		arg[c+"_delta"] = v
		arg[c+"_per_second"] = ds.PerSecond[c]
	}

	q := fmt.Sprintf(`UPDATE dbo.%s SET %s
WHERE entity_key = :entity_key AND collection_time = :at;`,
		d.SnapshotTable(), strings.Join(sets, ", "))

	res, err := sqlx.NamedExecContext(ctx, s.ext, q, arg)
	if err != nil {
		return fmt.Errorf("updating %s deltas: %w", d.SnapshotTable(), normalizeErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableInt(m map[string]int64, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return nil
}

func nullableFloat(m map[string]float64, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return nil
}

func nullableString(m map[string]string, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return nil
}

// rowToSnapshot converts a MapScan row into a Snapshot using the domain
// descriptor to pick columns. NULL columns are simply absent from the maps.
func rowToSnapshot(d models.Domain, raw map[string]interface{}) models.Snapshot {
	snap := models.Snapshot{
		Counters: make(map[string]int64, len(d.Counters)),
		Gauges:   make(map[string]float64, len(d.Gauges)),
		Labels:   make(map[string]string, len(d.Labels)),
	}
	if t, ok := raw["collection_time"].(time.Time); ok {
		snap.CollectionTime = t
	}
	if t, ok := raw["server_start_time"].(time.Time); ok {
		snap.ServerStartTime = t
	}
	snap.EntityKey = asString(raw["entity_key"])

	for _, c := range d.Counters {
		if v, ok := asInt64(raw[c]); ok {
			snap.Counters[c] = v
		}
	}
	for _, g := range d.Gauges {
		if v, ok := asFloat64(raw[g]); ok {
			snap.Gauges[g] = v
		}
	}
	for _, l := range d.Labels {
		if v := raw[l]; v != nil {
			snap.Labels[l] = asString(v)
		}
	}
	return snap
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}
