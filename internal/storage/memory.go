package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryTable struct {
	header []string
	rows   [][]string
}

type MemoryStore struct {
	tables map[string]*memoryTable
	mu     sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]*memoryTable),
	}
}

func (m *MemoryStore) GetTable(ctx context.Context, name string) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return &Table{Name: name, Header: copyRow(t.header)}, nil
}

func (m *MemoryStore) CreateTable(ctx context.Context, name string, header []string) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; ok {
		return nil, ErrTableExists
	}
	m.tables[name] = &memoryTable{header: copyRow(header)}
	return &Table{Name: name, Header: copyRow(header)}, nil
}

func (m *MemoryStore) AppendRow(ctx context.Context, t *Table, row []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tables[t.Name]
	if !ok {
		return ErrTableNotFound
	}
	mt.rows = append(mt.rows, copyRow(row))
	return nil
}

func (m *MemoryStore) ListRows(ctx context.Context, t *Table) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tables[t.Name]
	if !ok {
		return nil, ErrTableNotFound
	}
	rows := make([][]string, 0, len(mt.rows))
	for _, r := range mt.rows {
		rows = append(rows, copyRow(r))
	}
	return rows, nil
}

func (m *MemoryStore) ListTables(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeleteTable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, name)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
