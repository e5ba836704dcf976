package storage

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
)

type fileTable struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// FileStore keeps every table in a single JSON document that is read and
// rewritten on each operation.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Helper functions for file IO
func (fs *FileStore) load() (map[string]*fileTable, error) {
	tables := make(map[string]*fileTable)
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return tables, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return tables, nil
	}
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

func (fs *FileStore) save(tables map[string]*fileTable) error {
	data, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

func (fs *FileStore) GetTable(ctx context.Context, name string) (*Table, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return nil, wrap("get", name, err)
	}
	t, ok := tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return &Table{Name: name, Header: t.Header}, nil
}

func (fs *FileStore) CreateTable(ctx context.Context, name string, header []string) (*Table, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return nil, wrap("create", name, err)
	}
	if _, ok := tables[name]; ok {
		return nil, ErrTableExists
	}
	tables[name] = &fileTable{Header: copyRow(header), Rows: [][]string{}}
	if err := fs.save(tables); err != nil {
		return nil, wrap("create", name, err)
	}
	return &Table{Name: name, Header: copyRow(header)}, nil
}

func (fs *FileStore) AppendRow(ctx context.Context, t *Table, row []string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return wrap("append", t.Name, err)
	}
	ft, ok := tables[t.Name]
	if !ok {
		return ErrTableNotFound
	}
	ft.Rows = append(ft.Rows, copyRow(row))
	return wrap("append", t.Name, fs.save(tables))
}

func (fs *FileStore) ListRows(ctx context.Context, t *Table) ([][]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return nil, wrap("list rows", t.Name, err)
	}
	ft, ok := tables[t.Name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return ft.Rows, nil
}

func (fs *FileStore) ListTables(ctx context.Context) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return nil, wrap("list tables", "", err)
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileStore) DeleteTable(ctx context.Context, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tables, err := fs.load()
	if err != nil {
		return wrap("delete", name, err)
	}
	delete(tables, name)
	return wrap("delete", name, fs.save(tables))
}

func (fs *FileStore) Close() error { return nil }
