package storage

import "fmt"

// Options selects and configures a TableStore backend.
type Options struct {
	Backend       string // memory, file, sqlite, postgres, mysql or mongo
	FilePath      string
	SQLitePath    string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// Open returns the backend named by opts.Backend.
func Open(opts Options) (TableStore, error) {
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewFileStore(opts.FilePath), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres", "postgresql", "mysql":
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("storage %s requires a database URL", opts.Backend)
		}
		dialect, _ := DialectFor(opts.Backend)
		return NewSQLStore(dialect, opts.DatabaseURL)
	case "mongo":
		return NewMongoStore(opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("invalid storage type: %s. Valid options are: memory, file, sqlite, postgres, mysql, mongo", opts.Backend)
	}
}
