package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EnqueueResource inserts a conflict-ignored fhir_queue row keyed by
// (resourceType, identifier), per spec.md §4.7. Re-enqueuing the same
// identifier after a retry is a no-op — the existing row is left to be
// processed. stagingID links back to the originating staging row for
// non-Consent resources (pass 0 for Consent, whose rows are grouped and
// addressed by group key instead).
func (s *Store) EnqueueResource(ctx context.Context, resourceType, identifier string, resourceData []byte, stagingID int64) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		var stagingArg interface{}
		if stagingID > 0 {
			stagingArg = stagingID
		}
		_, err := conn.ExecContext(ctx, s.dialect.InsertQueueIgnoreConflict(), resourceType, identifier, string(resourceData), stagingArg)
		if err != nil {
			return fmt.Errorf("enqueuing %s/%s: %w", resourceType, identifier, err)
		}
		return nil
	})
}

// ReadUnprocessedQueue returns up to limit unprocessed fhir_queue rows.
// limit<=0 means unbounded.
func (s *Store) ReadUnprocessedQueue(ctx context.Context, limit int) ([]QueueRow, error) {
	var rows []QueueRow
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		falseLit := "FALSE"
		if s.dialect.Name() == "sqlite" {
			falseLit = "0"
		}
		query := fmt.Sprintf("SELECT id, resource_type, identifier, resource_data, staging_id FROM fhir_queue WHERE processed = %s ORDER BY id", falseLit)
		if limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", limit)
		}
		rset, err := conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("reading fhir_queue: %w", err)
		}
		defer rset.Close()

		for rset.Next() {
			var r QueueRow
			var data string
			var stagingID sql.NullInt64
			if err := rset.Scan(&r.ID, &r.ResourceType, &r.Identifier, &data, &stagingID); err != nil {
				return fmt.Errorf("scanning fhir_queue row: %w", err)
			}
			r.ResourceData = []byte(data)
			r.StagingID = stagingID.Int64
			rows = append(rows, r)
		}
		return rset.Err()
	})
	return rows, err
}

// MarkAndDeleteQueue implements spec.md §4.1's "mark-and-delete": within
// one logical operation, set processed=true, delete the queue row, then
// delete the corresponding staging row(s). For non-Consent resources the
// staging row is deleted by id; for Consent every row sharing groupValue
// under groupBy is deleted. Pass groupBy="" for non-Consent resources, in
// which case stagingID addresses the single staging row directly.
func (s *Store) MarkAndDeleteQueue(ctx context.Context, queueID int64, stagingTable string, stagingID int64, groupBy, groupValue string) error {
	trueLit := "TRUE"
	if s.dialect.Name() == "sqlite" {
		trueLit = "1"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE fhir_queue SET processed = %s WHERE id = %s", trueLit, s.dialect.Placeholder(1)),
			queueID); err != nil {
			return fmt.Errorf("marking queue row %d processed: %w", queueID, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM fhir_queue WHERE id = %s", s.dialect.Placeholder(1)), queueID); err != nil {
			return fmt.Errorf("deleting queue row %d: %w", queueID, err)
		}

		table := strings.ToLower(stagingTable)
		if groupBy == "" {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = %s", s.dialect.Quote(table), s.dialect.Placeholder(1)),
				stagingID); err != nil {
				return fmt.Errorf("deleting staging row %d from %q: %w", stagingID, table, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
				s.dialect.Quote(table), s.dialect.Quote(strings.ToLower(groupBy)), s.dialect.Placeholder(1)),
			groupValue); err != nil {
			return fmt.Errorf("deleting staging group %q from %q: %w", groupValue, table, err)
		}
		return nil
	})
}
