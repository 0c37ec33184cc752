package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RawRow is one record as returned by the EHR, after FieldTransformer has
// already replaced any pseudonymized values (spec.md §4.4 step 4).
type RawRow map[string]interface{}

// decimaler lets a caller's numeric wrapper type (e.g. a Decimal) announce
// its float64 value, mirroring the source's `Decimal -> float` coercion
// rule (spec.md §4.1) without this package depending on any one decimal
// library.
type decimaler interface {
	Float64() float64
}

// normalizeValue renders one row value the way insert_staging_rows must:
// nested maps/lists are JSON-encoded, decimals become floats, and any value
// whose key ends in "_string" is forced to its string form even if it
// looks numeric.
func normalizeValue(key string, v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	if d, ok := v.(decimaler); ok {
		v = d.Float64()
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encoding nested value for %q: %w", key, err)
		}
		return string(encoded), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		if strings.HasSuffix(key, "_string") {
			return strconv.FormatFloat(val, 'f', -1, 64), nil
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", val), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// NormalizeRow converts every value in row to its staging-table text form.
func NormalizeRow(row RawRow) (map[string]string, error) {
	out := make(map[string]string, len(row))
	for k, v := range row {
		normalized, err := normalizeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(k)] = normalized
	}
	return out, nil
}

// InsertStagingRows normalizes and bulk-inserts rows into the lowercased
// staging table for name, evolving the table's schema first (spec.md
// §4.1). An empty rows slice is a no-op, not an error.
func (s *Store) InsertStagingRows(ctx context.Context, name string, rows []RawRow) error {
	if len(rows) == 0 {
		return nil
	}

	normalized := make([]map[string]string, 0, len(rows))
	columnSet := make(map[string]bool)
	for _, r := range rows {
		n, err := NormalizeRow(r)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
		for k := range n {
			columnSet[k] = true
		}
	}

	columns := make([]string, 0, len(columnSet))
	for c := range columnSet {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	if err := s.EnsureResourceTable(ctx, name, columns); err != nil {
		return fmt.Errorf("ensuring table for %q: %w", name, err)
	}

	table := strings.ToLower(name)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := make([]string, len(columns))
		for i := range columns {
			placeholders[i] = s.dialect.Placeholder(i + 1)
		}
		quotedCols := make([]string, len(columns))
		for i, c := range columns {
			quotedCols[i] = s.dialect.Quote(c)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.dialect.Quote(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("preparing insert for %q: %w", table, err)
		}
		defer stmt.Close()

		for _, row := range normalized {
			args := make([]interface{}, len(columns))
			for i, c := range columns {
				args[i] = row[c]
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("inserting row into %q: %w", table, err)
			}
		}
		return nil
	})
}

// ReadUnprocessed returns all staging rows with processed=false, ordered by
// the natural key (id, or composition_id when present — Consent groups
// must see provisions in AQL insertion order, spec.md §5). limit<=0 means
// unbounded.
func (s *Store) ReadUnprocessed(ctx context.Context, name string, limit int) ([]StagingRow, error) {
	table := strings.ToLower(name)
	orderBy := "id"

	var rows []StagingRow
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		cols, err := s.tableColumns(ctx, conn, table)
		if err != nil {
			return err
		}
		if containsFold(cols, "composition_id") {
			orderBy = s.dialect.Quote("composition_id") + ", " + s.dialect.Quote("id")
		}

		query := fmt.Sprintf("SELECT * FROM %s WHERE %s = FALSE ORDER BY %s",
			s.dialect.Quote(table), s.dialect.Quote("processed"), orderBy)
		if s.dialect.Name() == "sqlite" {
			query = fmt.Sprintf("SELECT * FROM %s WHERE %s = 0 ORDER BY %s",
				s.dialect.Quote(table), s.dialect.Quote("processed"), orderBy)
		}
		if limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", limit)
		}

		rset, err := conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("querying unprocessed rows from %q: %w", table, err)
		}
		defer rset.Close()

		colNames, err := rset.Columns()
		if err != nil {
			return err
		}

		for rset.Next() {
			values := make([]interface{}, len(colNames))
			ptrs := make([]interface{}, len(colNames))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rset.Scan(ptrs...); err != nil {
				return fmt.Errorf("scanning row from %q: %w", table, err)
			}

			record := make(map[string]string, len(colNames))
			var id int64
			for i, colName := range colNames {
				if strings.EqualFold(colName, "id") {
					id = toInt64(values[i])
					continue
				}
				if strings.EqualFold(colName, "processed") {
					continue
				}
				record[colName] = toText(values[i])
			}
			rows = append(rows, StagingRow{ID: id, Columns: record})
		}
		return rset.Err()
	})
	return rows, err
}

func (s *Store) tableColumns(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rset, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", s.dialect.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("inspecting columns of %q: %w", table, err)
	}
	defer rset.Close()
	return rset.Columns()
}

func containsFold(items []string, target string) bool {
	for _, item := range items {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// DeleteStagingRow deletes one staging row by id (spec.md §4.1).
func (s *Store) DeleteStagingRow(ctx context.Context, name string, id int64) error {
	table := strings.ToLower(name)
	return s.withConn(ctx, func(conn *sql.Conn) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.dialect.Quote(table), s.dialect.Quote("id"), s.dialect.Placeholder(1))
		_, err := conn.ExecContext(ctx, query, id)
		return err
	})
}

// DeleteStagingRowsByGroup deletes every staging row in name whose groupBy
// column matches groupValue (spec.md §4.1, §4.6 step 5).
func (s *Store) DeleteStagingRowsByGroup(ctx context.Context, name, groupBy, groupValue string) error {
	table := strings.ToLower(name)
	return s.withConn(ctx, func(conn *sql.Conn) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
			s.dialect.Quote(table), s.dialect.Quote(strings.ToLower(groupBy)), s.dialect.Placeholder(1))
		_, err := conn.ExecContext(ctx, query, groupValue)
		return err
	})
}

// MarkStagingProcessed sets processed=true for every staging row in name
// whose groupBy column matches groupValue. The Enqueuer calls it after
// each Consent group's queue insert so the group's rows stop being re-read
// (spec.md §4.6 step 5).
func (s *Store) MarkStagingProcessed(ctx context.Context, name, groupBy, groupValue string) error {
	table := strings.ToLower(name)
	trueLiteral := "TRUE"
	if s.dialect.Name() == "sqlite" {
		trueLiteral = "1"
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
			s.dialect.Quote(table), s.dialect.Quote("processed"), trueLiteral,
			s.dialect.Quote(strings.ToLower(groupBy)), s.dialect.Placeholder(1))
		_, err := conn.ExecContext(ctx, query, groupValue)
		return err
	})
}
