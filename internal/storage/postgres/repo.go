package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"redcapetl/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// beginner is the part of *pgxpool.Pool ReplaceTable needs.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

/*
Repo implements storage.Repository for Postgres.

Postgres DDL is transactional: the DROP, CREATE and COPY of one ReplaceTable
commit together, so concurrent readers see either the old table or the new
one, never a half-loaded table.
*/
type Repo struct {
	pool  *pgxpool.Pool
	begin beginner
}

// New creates a pool and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool, begin: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// ReplaceTable drops and recreates table, then streams rows with COPY.
func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) (n int64, err error) {
	if err := storage.CheckShape(table, columns, rows); err != nil {
		return 0, err
	}

	tx, err := r.begin.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, buildDropSQL(table)); err != nil {
		return 0, fmt.Errorf("postgres: drop %s: %w", table, err)
	}
	if _, err = tx.Exec(ctx, buildCreateSQL(table, columns)); err != nil {
		return 0, fmt.Errorf("postgres: create %s: %w", table, err)
	}
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("postgres: copy into %s: %w", table, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit %s: %w", table, err)
	}
	return n, nil
}

func buildDropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + pgIdent(table)
}

// buildCreateSQL declares every column as nullable text, in input order.
func buildCreateSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgIdent(c) + " text"
	}
	return "CREATE TABLE " + pgIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

// pgIdent double-quotes a single identifier.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
