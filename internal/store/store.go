// Package store is the pipeline's sole durable-state component: a pooled
// SQL connection plus the fetch_state, fhir_queue and per-resource staging
// tables described in spec.md §3/§4.1/§6. Every exported method acquires a
// connection, does its work within one logical unit, and releases the
// connection on every exit path — including ctx cancellation — per spec.md
// §5's "scoped acquisition" rule.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql/driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" sql/driver
	log "github.com/sirupsen/logrus"
)

// Store wraps a pooled *sql.DB with the dialect needed to generate
// driver-specific SQL text.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *log.Entry

	// sqliteOpenMu serializes sql.Open for SQLite, which otherwise races on
	// first use of a newly created database file ("database is locked").
	sqliteOpenMu *sync.Mutex
}

// Config configures how the pool is opened.
type Config struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	MinOpenConns int
}

var globalSQLiteOpenMu sync.Mutex

// Open opens the pool for the configured driver and pings it to fail fast
// on bad credentials/unreachable hosts, matching spec.md §7's config-error
// being fatal at startup.
func Open(ctx context.Context, cfg Config, logger *log.Entry) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	driverName := "pgx"
	if cfg.Driver == "sqlite" {
		driverName = "sqlite3"
	}

	var db *sql.DB
	if cfg.Driver == "sqlite" {
		// See sqliteOpenMu doc above.
		globalSQLiteOpenMu.Lock()
		db, err = sql.Open(driverName, cfg.DSN)
		if err == nil {
			err = db.PingContext(ctx)
		}
		globalSQLiteOpenMu.Unlock()
	} else {
		db, err = sql.Open(driverName, cfg.DSN)
		if err == nil {
			err = db.PingContext(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinOpenConns > 0 {
		db.SetMaxIdleConns(cfg.MinOpenConns)
	}

	return &Store{db: db, dialect: dialect, log: logger, sqliteOpenMu: &globalSQLiteOpenMu}, nil
}

// Close tears down the pool. Safe to call once during interrupt shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire checks out a single connection for the duration of one logical
// operation. The caller MUST release it on every exit path (defer conn.Close()
// immediately after a nil error check) so a stale connection is never held
// across an HTTP call, per spec.md §5.
func (s *Store) acquire(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	// If the pool handed back a connection that has gone stale underneath
	// us, PingContext forces database/sql to discard it and dial a new one
	// rather than silently failing mid-operation.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		conn, err = s.db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("reacquiring connection after stale ping: %w", err)
		}
	}
	return conn, nil
}

// withConn runs fn with a freshly acquired connection, always releasing it
// afterward regardless of fn's outcome.
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
// This is how Store satisfies "must complete within one logical unit even
// if autocommit is on" for multi-statement operations (spec.md §4.1).
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
