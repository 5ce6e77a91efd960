package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"redcapetl/internal/storage"
)

// SQL Server caps a statement at 2100 parameters and a VALUES list at 1000
// rows. Stay comfortably below both.
const (
	maxParams    = 2000
	maxBatchRows = 1000
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// DDL is transactional in SQL Server, so one ReplaceTable is a single
// transaction: drop (if present), create, batched inserts.
//
// This package does not blank-import a driver. The "sqlserver" driver must be
// registered elsewhere (storage/all does it).
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens the database with the "sqlserver" driver and validates
// connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Loads are sequential; a small pool is plenty.
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

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

// ReplaceTable drops and recreates table, then inserts rows in batches.
func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) (n int64, err error) {
	if err := storage.CheckShape(table, columns, rows); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, buildDropSQL(table)); err != nil {
		return 0, fmt.Errorf("mssql: drop %s: %w", table, err)
	}
	if _, err = tx.ExecContext(ctx, buildCreateSQL(table, columns)); err != nil {
		return 0, fmt.Errorf("mssql: create %s: %w", table, err)
	}

	quotedTable := mssqlIdent(table)
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = mssqlIdent(c)
	}
	batch := storage.BatchRows(len(columns), maxParams, maxBatchRows)
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		q, args := storage.BuildInsertSQL(quotedTable, quotedCols, rows[start:end], func(p int) string {
			return "@p" + strconv.Itoa(p)
		})
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("mssql: insert %s rows %d-%d: %w", table, start, end-1, execErr)
			return 0, err
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit %s: %w", table, err)
	}
	return n, nil
}

// buildDropSQL drops table only when it exists as a user table. OBJECT_ID
// keeps this working on servers older than 2016 (no DROP TABLE IF EXISTS).
func buildDropSQL(table string) string {
	return "IF OBJECT_ID(N'" + strings.ReplaceAll(mssqlIdent(table), "'", "''") + "', N'U') IS NOT NULL DROP TABLE " + mssqlIdent(table)
}

// buildCreateSQL declares every column as nullable NVARCHAR(MAX), in input
// order, so labels in any script survive.
func buildCreateSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = mssqlIdent(c) + " NVARCHAR(MAX) NULL"
	}
	return "CREATE TABLE " + mssqlIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
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
