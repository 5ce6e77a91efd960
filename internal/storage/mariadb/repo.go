// Package mariadb implements replace-loads for MariaDB and MySQL.
//
// DDL auto-commits in MySQL, so a drop/create/insert sequence cannot be one
// transaction. Instead rows are loaded into a staging table and swapped in
// with a single multi-table RENAME, which the server applies atomically.
// Readers see the old table or the new one, never a missing or partial one.
package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"redcapetl/internal/storage"
)

const (
	maxParams    = 60000 // placeholder limit is 65535
	maxBatchRows = 1000
	maxIdentLen  = 64

	stagingSuffix = "__stage"
	oldSuffix     = "__old"
)

// Repo implements storage.Repository for MariaDB/MySQL.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mariadb", New)
}

// New opens the database with go-sql-driver/mysql and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)
	raw.SetConnMaxLifetime(5 * time.Minute)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// ReplaceTable loads rows into a staging table, then swaps it in for table.
func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) (n int64, err error) {
	if err := storage.CheckShape(table, columns, rows); err != nil {
		return 0, err
	}
	staging := sideName(table, stagingSuffix)
	old := sideName(table, oldSuffix)

	// Leftovers from an interrupted run.
	for _, t := range []string{staging, old} {
		if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t)); err != nil {
			return 0, fmt.Errorf("mariadb: drop %s: %w", t, err)
		}
	}
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(staging, columns)); err != nil {
		return 0, fmt.Errorf("mariadb: create %s: %w", staging, err)
	}
	defer func() {
		if err != nil {
			// The live table is untouched; only the staging copy goes.
			_, _ = r.db.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+quoteIdent(staging))
		}
	}()

	if n, err = r.insertAll(ctx, staging, columns, rows); err != nil {
		return 0, err
	}

	exists, err := r.db.TableExists(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("mariadb: lookup %s: %w", table, err)
	}
	if _, err = r.db.ExecContext(ctx, buildSwapSQL(table, staging, old, exists)); err != nil {
		return 0, fmt.Errorf("mariadb: swap %s: %w", table, err)
	}
	if exists {
		// The new table is live. A failed drop leaves a stray __old table that
		// the next load of this table removes.
		_, _ = r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(old))
	}
	return n, nil
}

func (r *Repo) insertAll(ctx context.Context, table string, columns []string, rows [][]any) (n int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mariadb: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	quotedTable := quoteIdent(table)
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdent(c)
	}
	batch := storage.BatchRows(len(columns), maxParams, maxBatchRows)
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		q, args := storage.BuildInsertSQL(quotedTable, quotedCols, rows[start:end], func(int) string { return "?" })
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("mariadb: insert %s rows %d-%d: %w", table, start, end-1, execErr)
			return 0, err
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("mariadb: commit %s: %w", table, err)
	}
	return n, nil
}

// buildCreateSQL declares every column as nullable LONGTEXT, in input order.
// LONGTEXT is stored off-page, so wide forms stay under the row size limit.
func buildCreateSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c) + " LONGTEXT NULL"
	}
	return "CREATE TABLE " + quoteIdent(table) + " (" + strings.Join(defs, ", ") + ") DEFAULT CHARSET=utf8mb4"
}

// buildSwapSQL renames staging into place. With an existing table both renames
// happen in one statement, which MySQL applies atomically.
func buildSwapSQL(table, staging, old string, exists bool) string {
	if !exists {
		return "RENAME TABLE " + quoteIdent(staging) + " TO " + quoteIdent(table)
	}
	return "RENAME TABLE " + quoteIdent(table) + " TO " + quoteIdent(old) + ", " +
		quoteIdent(staging) + " TO " + quoteIdent(table)
}

// sideName derives a helper table name that fits the identifier limit.
func sideName(table, suffix string) string {
	if len(table)+len(suffix) > maxIdentLen {
		table = table[:maxIdentLen-len(suffix)]
	}
	return table + suffix
}

// quoteIdent backtick-quotes an identifier, doubling embedded backticks.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// ---- database/sql seam types ----

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	TableExists(ctx context.Context, table string) (bool, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`,
		table).Scan(&n)
	return n > 0, err
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)
)
