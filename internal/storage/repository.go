package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the destination of a refresh: it replaces whole tables.
//
// Each backend implements replace semantics in its own idiomatic way
// (transactional DROP/CREATE/COPY in Postgres, staging table + RENAME in
// MariaDB), but the observable contract is the same everywhere:
//   - after a successful ReplaceTable, the table holds exactly columns and
//     rows, every column as nullable text, no key or row-number column;
//   - after a failed ReplaceTable, the previous table (if any) is intact.
type Repository interface {
	// ReplaceTable drops table if it exists and recreates it holding rows.
	// It returns the number of rows written.
	//
	// table is a bare identifier (see TableName); backends quote it.
	// Every row must have len(columns) cells; cells are string or nil.
	ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// Close releases any backend resources. Treat it as "call once".
	Close()
}

// Factory opens a Repository for a registered kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind (e.g. "postgres").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty or f is nil.
//   - If kind is already registered; ambiguous backend selection is a
//     programming error.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
