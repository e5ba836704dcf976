package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLStore keeps tables in two relational tables: one row per table handle
// and one row per data row, ordered by an auto-increment id.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// NewSQLStore opens dsn with the given dialect and creates the schema if it
// doesn't exist.
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.DriverName(), err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.DriverName(), err)
	}
	if err := dialect.ConfigureConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewSQLiteStore is a shorthand for the sqlite dialect.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return NewSQLStore(sqliteDialect{}, dbPath)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	for _, query := range s.dialect.SchemaQueries() {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.RewriteQuery(query)
}

func (s *SQLStore) GetTable(ctx context.Context, name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTable(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getTable(ctx context.Context, db queryer, name string) (*Table, error) {
	var headerJSON string
	err := db.QueryRowContext(ctx, s.q("SELECT header FROM ledger_tables WHERE name = ?"), name).Scan(&headerJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, wrap("get", name, err)
	}
	t := &Table{Name: name}
	if err := json.Unmarshal([]byte(headerJSON), &t.Header); err != nil {
		return nil, wrap("get", name, fmt.Errorf("failed to unmarshal header: %w", err))
	}
	return t, nil
}

func (s *SQLStore) CreateTable(ctx context.Context, name string, header []string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, wrap("create", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("create", name, err)
	}
	defer tx.Rollback()

	if _, err := s.getTable(ctx, tx, name); err == nil {
		return nil, ErrTableExists
	} else if !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.q("INSERT INTO ledger_tables (name, header, created_at) VALUES (?, ?, ?)"),
		name, string(headerJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		tx.Rollback()
		return nil, s.createConflict(ctx, name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.createConflict(ctx, name, err)
	}
	return &Table{Name: name, Header: copyRow(header)}, nil
}

// createConflict reports ErrTableExists when a failed create lost to
// another process that created the same table between our check and insert.
// The transaction must be finished first: sqlite allows one connection.
func (s *SQLStore) createConflict(ctx context.Context, name string, err error) error {
	if _, getErr := s.getTable(ctx, s.db, name); getErr == nil {
		return ErrTableExists
	}
	return wrap("create", name, err)
}

func (s *SQLStore) AppendRow(ctx context.Context, t *Table, row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// sqlite does not enforce the foreign key unless asked to.
	if _, err := s.getTable(ctx, s.db, t.Name); err != nil {
		return err
	}
	cells, err := json.Marshal(row)
	if err != nil {
		return wrap("append", t.Name, err)
	}
	_, err = s.db.ExecContext(ctx, s.q("INSERT INTO ledger_rows (table_name, cells) VALUES (?, ?)"), t.Name, string(cells))
	return wrap("append", t.Name, err)
}

func (s *SQLStore) ListRows(ctx context.Context, t *Table) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getTable(ctx, s.db, t.Name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q("SELECT cells FROM ledger_rows WHERE table_name = ? ORDER BY id"), t.Name)
	if err != nil {
		return nil, wrap("list rows", t.Name, err)
	}
	defer rows.Close()

	out := [][]string{}
	for rows.Next() {
		var cellsJSON string
		if err := rows.Scan(&cellsJSON); err != nil {
			return nil, wrap("list rows", t.Name, fmt.Errorf("failed to scan row: %w", err))
		}
		var cells []string
		if err := json.Unmarshal([]byte(cellsJSON), &cells); err != nil {
			return nil, wrap("list rows", t.Name, fmt.Errorf("failed to unmarshal row: %w", err))
		}
		out = append(out, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list rows", t.Name, err)
	}
	return out, nil
}

func (s *SQLStore) ListTables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM ledger_tables ORDER BY name")
	if err != nil {
		return nil, wrap("list tables", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap("list tables", "", err)
		}
		names = append(names, name)
	}
	return names, wrap("list tables", "", rows.Err())
}

func (s *SQLStore) DeleteTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("delete", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM ledger_rows WHERE table_name = ?"), name); err != nil {
		return wrap("delete", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM ledger_tables WHERE name = ?"), name); err != nil {
		return wrap("delete", name, err)
	}
	return wrap("delete", name, tx.Commit())
}
