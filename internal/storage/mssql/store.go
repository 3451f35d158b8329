// Package mssql implements storage.Store against the monitored SQL Server
// itself: the monitor writes its snapshot tables, run log, and schedule
// into the same instance it samples. Every write path honors the bounded
// wait discipline — sessions run with LOCK_TIMEOUT set and scheduler
// serialization uses sp_getapplock with an explicit ceiling.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// sqlLockTimeoutNumber is the engine error raised when a session's
// LOCK_TIMEOUT expires.
const sqlLockTimeoutNumber = 1222

// Store is the durable storage.Store. The zero value is not usable; use
// Open. A Store bound to a transaction (via InTx) shares the pool but
// routes every statement through the transaction.
type Store struct {
	db          *sqlx.DB
	ext         sqlx.ExtContext
	tx          *sqlx.Tx
	logger      *zap.Logger
	lockTimeout time.Duration
}

// Open connects to the monitored server. lockTimeout bounds every lock
// wait inside transactions started from this store.
func Open(dsn string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlserver connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &Store{db: db, ext: db, logger: logger, lockTimeout: lockTimeout}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the DMV samplers, which read the same
// server the store writes to.
func (s *Store) DB() *sqlx.DB { return s.db }

// InTx runs fn against a transaction-bound view of the store. The session
// LOCK_TIMEOUT is set first so no write inside the transaction can block
// unbounded. An error from fn rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(storage.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCK_TIMEOUT %d;", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("setting lock timeout: %w", err)
	}

	txStore := &Store{db: s.db, ext: tx, tx: tx, logger: s.logger, lockTimeout: s.lockTimeout}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return normalizeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AcquireLock takes a session-owned exclusive app lock with a bounded
// wait. The lock pins a dedicated connection until released.
func (s *Store) AcquireLock(ctx context.Context, name string, wait time.Duration) (func() error, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening lock connection: %w", err)
	}

	const q = `DECLARE @r int;
EXEC @r = sp_getapplock @Resource = @p1, @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = @p2;
SELECT @r;`
	var result int
	if err := conn.GetContext(ctx, &result, q, name, int(wait.Milliseconds())); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("requesting app lock %q: %w", name, err)
	}
	if result < 0 {
		_ = conn.Close()
		if result == -1 {
			return nil, fmt.Errorf("app lock %q not granted within %s: %w", name, wait, storage.ErrLockTimeout)
		}
		return nil, fmt.Errorf("app lock %q acquire failed with code %d", name, result)
	}

	release := func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(),
			`EXEC sp_releaseapplock @Resource = @p1, @LockOwner = 'Session';`, name)
		if err != nil {
			return fmt.Errorf("releasing app lock %q: %w", name, err)
		}
		return nil
	}
	return release, nil
}

// normalizeErr maps engine lock-timeout errors onto the storage sentinel
// so callers can distinguish contention from logic bugs.
func normalizeErr(err error) error {
	var se mssql.Error
	if errors.As(err, &se) && se.Number == sqlLockTimeoutNumber {
		return fmt.Errorf("%v: %w", err, storage.ErrLockTimeout)
	}
	return err
}

// objectExists reports whether a user table exists.
func (s *Store) objectExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n,
		`SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END;`, "dbo."+table)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n == 1, nil
}

// noRows converts sql.ErrNoRows to the storage sentinel.
func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
