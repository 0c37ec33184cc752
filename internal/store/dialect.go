package store

import (
	"fmt"
	"strings"
)

// Dialect generates the handful of DDL/DML statements whose syntax differs
// between PostgreSQL and SQLite. Adding a third database engine means adding
// one more Dialect implementation, not touching the Store operations that
// use it — the same separation of concerns as a SqlGenerator in the wider
// materialization-tooling world this pipeline borrows its Store shape from.
type Dialect interface {
	// Name identifies the dialect for logging.
	Name() string
	// Placeholder returns the parameter placeholder for the i'th (1-based)
	// bound argument in a statement.
	Placeholder(i int) string
	// Quote quotes an identifier (table or column name).
	Quote(identifier string) string
	// CreateResourceTable returns CREATE TABLE IF NOT EXISTS for a staging
	// table with the given lowercased text columns, an autoincrementing id,
	// and a processed boolean defaulting to false.
	CreateResourceTable(table string, columns []string) string
	// AddColumn returns ALTER TABLE ... ADD COLUMN for one more text column.
	AddColumn(table, column string) string
	// CreateFetchStateTable returns CREATE TABLE IF NOT EXISTS fetch_state.
	CreateFetchStateTable() string
	// UpsertFetchState returns an insert-or-update statement keyed on resource.
	UpsertFetchState() string
	// CreateQueueTable returns CREATE TABLE IF NOT EXISTS fhir_queue.
	CreateQueueTable() string
	// InsertQueueIgnoreConflict returns an insert with conflict-ignore
	// semantics on the identifier unique constraint.
	InsertQueueIgnoreConflict() string
}

// postgresDialect targets PostgreSQL via jackc/pgx.
type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (postgresDialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (d postgresDialect) CreateResourceTable(table string, columns []string) string {
	var cols = make([]string, 0, len(columns)+1)
	for _, c := range columns {
		cols = append(cols, d.Quote(c)+" TEXT")
	}
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id SERIAL PRIMARY KEY, %s, processed BOOLEAN NOT NULL DEFAULT FALSE)`,
		d.Quote(table), strings.Join(cols, ", "),
	)
}

func (d postgresDialect) AddColumn(table, column string) string {
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT`, d.Quote(table), d.Quote(column))
}

func (postgresDialect) CreateFetchStateTable() string {
	return `CREATE TABLE IF NOT EXISTS fetch_state (
		resource TEXT PRIMARY KEY,
		last_run_time TIMESTAMP NOT NULL,
		next_run_time TIMESTAMP NOT NULL
	)`
}

func (postgresDialect) UpsertFetchState() string {
	return `INSERT INTO fetch_state (resource, last_run_time, next_run_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE
		SET last_run_time = EXCLUDED.last_run_time, next_run_time = EXCLUDED.next_run_time`
}

func (postgresDialect) CreateQueueTable() string {
	return `CREATE TABLE IF NOT EXISTS fhir_queue (
		id SERIAL PRIMARY KEY,
		resource_type TEXT NOT NULL,
		identifier TEXT NOT NULL UNIQUE,
		resource_data JSONB NOT NULL,
		staging_id BIGINT,
		processed BOOLEAN NOT NULL DEFAULT FALSE
	)`
}

func (postgresDialect) InsertQueueIgnoreConflict() string {
	return `INSERT INTO fhir_queue (resource_type, identifier, resource_data, staging_id, processed)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (identifier) DO NOTHING`
}

// sqliteDialect targets SQLite via mattn/go-sqlite3.
type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (d sqliteDialect) CreateResourceTable(table string, columns []string) string {
	var cols = make([]string, 0, len(columns)+1)
	for _, c := range columns {
		cols = append(cols, d.Quote(c)+" TEXT")
	}
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, %s, processed BOOLEAN NOT NULL DEFAULT 0)`,
		d.Quote(table), strings.Join(cols, ", "),
	)
}

func (d sqliteDialect) AddColumn(table, column string) string {
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, d.Quote(table), d.Quote(column))
}

func (sqliteDialect) CreateFetchStateTable() string {
	return `CREATE TABLE IF NOT EXISTS fetch_state (
		resource TEXT PRIMARY KEY,
		last_run_time TIMESTAMP NOT NULL,
		next_run_time TIMESTAMP NOT NULL
	)`
}

func (sqliteDialect) UpsertFetchState() string {
	return `INSERT INTO fetch_state (resource, last_run_time, next_run_time)
		VALUES (?, ?, ?)
		ON CONFLICT (resource) DO UPDATE
		SET last_run_time = excluded.last_run_time, next_run_time = excluded.next_run_time`
}

func (sqliteDialect) CreateQueueTable() string {
	return `CREATE TABLE IF NOT EXISTS fhir_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_type TEXT NOT NULL,
		identifier TEXT NOT NULL UNIQUE,
		resource_data TEXT NOT NULL,
		staging_id INTEGER,
		processed BOOLEAN NOT NULL DEFAULT 0
	)`
}

func (sqliteDialect) InsertQueueIgnoreConflict() string {
	return `INSERT OR IGNORE INTO fhir_queue (resource_type, identifier, resource_data, staging_id, processed)
		VALUES (?, ?, ?, ?, 0)`
}

// DialectFor returns the Dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
