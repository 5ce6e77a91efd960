package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"redcapetl/internal/dataset"
	"redcapetl/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 in current builds).
const (
	maxParams    = 32000
	maxBatchRows = 500
)

// Repo implements storage.Repository for SQLite.
//
// SQLite DDL is transactional, so the drop, create and inserts of one
// ReplaceTable run in a single transaction and a failed load leaves the
// previous table in place.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New is the registry factory.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	return Open(ctx, cfg.DSN)
}

// Open returns the concrete repository, which also offers read-back helpers.
func Open(ctx context.Context, dsn string) (*Repo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// ReplaceTable drops, recreates and fills table in one transaction.
func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) (n int64, err error) {
	if err := storage.CheckShape(table, columns, rows); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return 0, fmt.Errorf("sqlite: drop %s: %w", table, err)
	}
	if _, err = tx.ExecContext(ctx, buildCreateSQL(table, columns)); err != nil {
		return 0, fmt.Errorf("sqlite: create %s: %w", table, err)
	}

	quotedTable := sqlIdent(table)
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = sqlIdent(c)
	}
	batch := storage.BatchRows(len(columns), maxParams, maxBatchRows)
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		q, args := storage.BuildInsertSQL(quotedTable, quotedCols, rows[start:end], func(int) string { return "?" })
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("sqlite: insert %s rows %d-%d: %w", table, start, end-1, execErr)
			return 0, err
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit %s: %w", table, err)
	}
	return n, nil
}

// TableExists reports whether table is present.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadTable reads a whole table back in insertion order. NULLs become nil
// cells, everything else a string, mirroring what ReplaceTable accepts.
func (r *Repo) ReadTable(ctx context.Context, table string) (*dataset.Table, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+sqlIdent(table)+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &dataset.Table{Columns: cols}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range vals {
			if v.Valid {
				row[i] = v.String
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

// buildCreateSQL declares every column as nullable TEXT, in input order.
func buildCreateSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = sqlIdent(c) + " TEXT"
	}
	return "CREATE TABLE " + sqlIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
