// Package sqlitedb is the reference database backend (§6.2, §6.4): a
// database/sql connection over modernc.org/sqlite implementing
// dbregistry.Driver (query execution) and dbregistry.VersionStore (the
// `_migrations` table).
//
// Grounded on mattcburns-shoal-provision/internal/database.DB: same
// sql.Open("sqlite", ...) dial with a foreign-keys pragma, same
// row-to-map scanning shape generalised from fixed struct columns to the
// arbitrary-query dbregistry.Row contract.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/shovelrun/shovel/internal/dbregistry"
)

// DB is a single sqlite-backed database, opened at a path taken from the
// reified config entry's URL field.
type DB struct {
	conn *sql.DB
}

// Open dials path (a "file:..." or ":memory:" DSN) and ensures the
// `_migrations` version table exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %q: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("sqlitedb: ping %q: %w", path, err)
	}
	db := &DB{conn: conn}
	if err := db.ensureMigrationsTable(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureMigrationsTable() error {
	_, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlitedb: create _migrations: %w", err)
	}
	_, err = db.conn.Exec(`INSERT OR IGNORE INTO _migrations (id, version) VALUES (1, 0)`)
	if err != nil {
		return fmt.Errorf("sqlitedb: seed _migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.conn.Close() }

// Version implements dbregistry.VersionStore.
func (db *DB) Version(ctx context.Context) (int, error) {
	var v int
	err := db.conn.QueryRowContext(ctx, `SELECT version FROM _migrations WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlitedb: read version: %w", err)
	}
	return v, nil
}

// SetVersion implements dbregistry.VersionStore.
func (db *DB) SetVersion(ctx context.Context, version int) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE _migrations SET version = ? WHERE id = 1`, version)
	if err != nil {
		return fmt.Errorf("sqlitedb: write version: %w", err)
	}
	return nil
}

// All implements dbregistry.Driver.
func (db *DB) All(ctx context.Context, query string, params []any) ([]dbregistry.Row, error) {
	rows, err := db.conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Get implements dbregistry.Driver, returning the first row or nil.
func (db *DB) Get(ctx context.Context, query string, params []any) (dbregistry.Row, error) {
	rows, err := db.All(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Run implements dbregistry.Driver for statements that mutate data.
func (db *DB) Run(ctx context.Context, query string, params []any) (int64, error) {
	result, err := db.conn.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("sqlitedb: exec: %w", err)
	}
	return result.RowsAffected()
}

// Val implements dbregistry.Driver, returning a single scalar.
func (db *DB) Val(ctx context.Context, query string, params []any) (any, error) {
	var v any
	err := db.conn.QueryRowContext(ctx, query, params...).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: scalar: %w", err)
	}
	return v, nil
}

func scanRows(rows *sql.Rows) ([]dbregistry.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: columns: %w", err)
	}

	var out []dbregistry.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlitedb: scan: %w", err)
		}
		row := make(dbregistry.Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
