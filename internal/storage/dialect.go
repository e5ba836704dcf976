package storage

import (
	"database/sql"
	"regexp"
	"strconv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures what differs between the SQL databases SQLStore runs on.
type Dialect interface {
	// DriverName returns the driver name for sql.Open
	DriverName() string

	// RewriteQuery converts placeholder syntax if needed (e.g., ? to $1 for postgres)
	RewriteQuery(query string) string

	// SchemaQueries returns the statements that create the backing tables.
	SchemaQueries() []string

	// ConfigureConnection applies any database-specific connection settings
	ConfigureConnection(db *sql.DB) error
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, bool) {
	switch name {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, true
	case "postgres", "postgresql":
		return postgresDialect{}, true
	case "mysql":
		return mysqlDialect{}, true
	}
	return nil, false
}

// placeholderRegexp matches ? placeholders
var placeholderRegexp = regexp.MustCompile(`\?`)

// rewritePlaceholdersToNumbered converts ? placeholders to $1, $2, etc.
func rewritePlaceholdersToNumbered(query string) string {
	counter := 0
	return placeholderRegexp.ReplaceAllStringFunc(query, func(match string) string {
		counter++
		return "$" + strconv.Itoa(counter)
	})
}

type sqliteDialect struct{}

func (sqliteDialect) DriverName() string               { return "sqlite3" }
func (sqliteDialect) RewriteQuery(query string) string { return query }

func (sqliteDialect) SchemaQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ledger_tables (
			name TEXT PRIMARY KEY,
			header TEXT NOT NULL, -- JSON array of column names
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			cells TEXT NOT NULL, -- JSON array of cell values
			FOREIGN KEY (table_name) REFERENCES ledger_tables(name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_rows_table ON ledger_rows (table_name, id)`,
	}
}

func (sqliteDialect) ConfigureConnection(db *sql.DB) error {
	// One writer; the store's own mutex serializes everything else.
	db.SetMaxOpenConns(1)
	_, err := db.Exec("PRAGMA journal_mode=WAL")
	return err
}

type postgresDialect struct{}

func (postgresDialect) DriverName() string { return "postgres" }
func (postgresDialect) RewriteQuery(query string) string {
	return rewritePlaceholdersToNumbered(query)
}

func (postgresDialect) SchemaQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ledger_tables (
			name TEXT PRIMARY KEY,
			header TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_rows (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL REFERENCES ledger_tables(name),
			cells TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_rows_table ON ledger_rows (table_name, id)`,
	}
}

func (postgresDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(10)
	return nil
}

type mysqlDialect struct{}

func (mysqlDialect) DriverName() string               { return "mysql" }
func (mysqlDialect) RewriteQuery(query string) string { return query }

func (mysqlDialect) SchemaQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ledger_tables (
			name VARCHAR(191) PRIMARY KEY,
			header TEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_rows (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			table_name VARCHAR(191) NOT NULL,
			cells TEXT NOT NULL,
			INDEX idx_ledger_rows_table (table_name, id),
			FOREIGN KEY (table_name) REFERENCES ledger_tables(name)
		)`,
	}
}

func (mysqlDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(10)
	return nil
}
