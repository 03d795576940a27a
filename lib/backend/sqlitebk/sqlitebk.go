/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sqlitebk is a SQLite-backed backend.Backend for single-binary
// relay deployments that don't want to run PostgreSQL, using
// mattn/go-sqlite3 through database/sql. Same schema and semantics as
// pgbk, translated to SQLite's dialect (INSERT ... ON CONFLICT, no
// partial indexes needed since there's a single writer per process).
package sqlitebk

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dwongdev/mydia-relay/lib/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_kv (
	key     BLOB PRIMARY KEY,
	value   BLOB NOT NULL,
	expires INTEGER
);
`

// Config configures a Backend.
type Config struct {
	// Path is a filesystem path, or ":memory:" for an ephemeral database.
	Path string
}

// Backend is a SQLite backend.Backend. A single *sql.DB is shared;
// SQLite serializes writers internally, so same-row writes are
// serialized by construction.
type Backend struct {
	db *sql.DB
}

// New opens (creating if necessary) the SQLite database at cfg.Path.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // go-sqlite3 is not safe for concurrent writers on one handle
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Create(ctx context.Context, item backend.Item) error {
	// See pgbk.Create: an expired row at this key is logically absent.
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM relay_kv WHERE key = ? AND expires IS NOT NULL AND expires <= ?`,
		item.Key, time.Now().Unix()); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO relay_kv (key, value, expires) VALUES (?, ?, ?)`,
		item.Key, item.Value, nullUnix(item.Expires))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return backend.AlreadyExists("key already exists")
	}
	return err
}

func (b *Backend) Put(ctx context.Context, item backend.Item) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO relay_kv (key, value, expires) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires = excluded.expires`,
		item.Key, item.Value, nullUnix(item.Expires))
	return err
}

func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT value, expires FROM relay_kv WHERE key = ? AND (expires IS NULL OR expires > ?)`,
		key, time.Now().Unix())

	var item backend.Item
	item.Key = key
	var expires *int64
	if err := row.Scan(&item.Value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.NotFound("key not found")
		}
		return nil, err
	}
	if expires != nil {
		item.Expires = time.Unix(*expires, 0)
	}
	return &item, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE relay_kv SET value = ?, expires = ?
		 WHERE key = ? AND value = ? AND (expires IS NULL OR expires > ?)`,
		replaceWith.Value, nullUnix(replaceWith.Expires), expected.Key, expected.Value, time.Now().Unix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.CompareFailed("value does not match expected")
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key []byte) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM relay_kv WHERE key = ?`, key)
	return err
}

func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]backend.Item, error) {
	query := `SELECT key, value, expires FROM relay_kv
	          WHERE key >= ? AND (? IS NULL OR key < ?) AND (expires IS NULL OR expires > ?)
	          ORDER BY key`
	args := []any{startKey, nullBytesArg(endKey), endKey, time.Now().Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Item
	for rows.Next() {
		var item backend.Item
		var expires *int64
		if err := rows.Scan(&item.Key, &item.Value, &expires); err != nil {
			return nil, err
		}
		if expires != nil {
			item.Expires = time.Unix(*expires, 0)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error { return b.db.Close() }

func nullUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullBytesArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
