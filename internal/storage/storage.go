package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
)

// Table is a handle to a named table. Header is the fixed column list
// written once when the table was created.
type Table struct {
	Name   string   `json:"name" bson:"_id"`
	Header []string `json:"header" bson:"header"`
}

// TableStore defines the interface for data persistence
// of named, append-only tables of string rows.
type TableStore interface {
	// GetTable returns ErrTableNotFound if name does not exist.
	GetTable(ctx context.Context, name string) (*Table, error)
	// CreateTable returns ErrTableExists if name is already taken.
	CreateTable(ctx context.Context, name string, header []string) (*Table, error)
	AppendRow(ctx context.Context, t *Table, row []string) error
	// ListRows returns data rows in insertion order, without the header.
	ListRows(ctx context.Context, t *Table) ([][]string, error)
	// ListTables returns every table name, sorted.
	ListTables(ctx context.Context) ([]string, error)
	DeleteTable(ctx context.Context, name string) error
	Close() error
}

// Error is a backend failure. It records which operation failed on which
// table so the caller can retry that operation.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	// Not-found and exists are answers, not failures.
	if errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrTableExists) {
		return err
	}
	return &Error{Op: op, Table: table, Err: err}
}

func copyRow(row []string) []string {
	out := make([]string, len(row))
	copy(out, row)
	return out
}
