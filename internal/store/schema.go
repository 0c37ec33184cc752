package store

import (
	"context"
	"database/sql"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EnsureFetchStateTable creates the fetch_state table if absent. Idempotent.
func (s *Store) EnsureFetchStateTable(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.dialect.CreateFetchStateTable())
		return err
	})
}

// EnsureFHIRQueueTable creates the fhir_queue table if absent. Idempotent.
func (s *Store) EnsureFHIRQueueTable(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.dialect.CreateQueueTable())
		return err
	})
}

// EnsureResourceTable creates the lowercased staging table for name if
// absent, otherwise ALTERs in any column from columns that doesn't already
// exist. Columns are never dropped (spec.md §4.1, §9).
func (s *Store) EnsureResourceTable(ctx context.Context, name string, columns []string) error {
	table := strings.ToLower(name)
	lowered := make([]string, len(columns))
	for i, c := range columns {
		lowered[i] = strings.ToLower(c)
	}

	return s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, s.dialect.CreateResourceTable(table, lowered)); err != nil {
			return err
		}
		// The table may have pre-existed with a narrower column set (e.g.
		// a prior cycle saw fewer AQL columns). Adding a column that
		// already exists returns a driver error we log and skip, per
		// spec.md §4.1's "schema errors are logged and the operation is
		// skipped, never retried silently".
		for _, col := range lowered {
			if _, err := conn.ExecContext(ctx, s.dialect.AddColumn(table, col)); err != nil {
				s.log.WithFields(log.Fields{
					"table":  table,
					"column": col,
					"error":  err,
				}).Debug("skipping column add (likely already exists)")
			}
		}
		return nil
	})
}
