package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetFetchState returns the resource's last/next run time, or the zero
// time for both if no row exists yet (spec.md §4.4 step 1).
func (s *Store) GetFetchState(ctx context.Context, resource string) (last, next time.Time, err error) {
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT last_run_time, next_run_time FROM fetch_state WHERE resource = %s", s.dialect.Placeholder(1)),
			resource)
		scanErr := row.Scan(&last, &next)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		return scanErr
	})
	return last, next, err
}

// UpdateFetchState upserts the resource's fetch-state row. This must be the
// final action of a successful window: never called if any staging insert
// for that window failed (spec.md §5 cancellation rule).
func (s *Store) UpdateFetchState(ctx context.Context, resource string, last, next time.Time) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.dialect.UpsertFetchState(), resource, last, next)
		if err != nil {
			return fmt.Errorf("updating fetch state for %q: %w", resource, err)
		}
		return nil
	})
}
