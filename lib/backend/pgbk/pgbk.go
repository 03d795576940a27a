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

// Package pgbk is a PostgreSQL-backed backend.Backend: a single flat
// key/value table fronted by pgx/v5's connection pool, with
// CompareAndSwap implemented as a conditional UPDATE so the swap is a
// single atomic statement with no client-side lock.
package pgbk

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwongdev/mydia-relay/lib/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_kv (
	key     BYTEA PRIMARY KEY,
	value   BYTEA NOT NULL,
	expires TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS relay_kv_expires_idx ON relay_kv (expires) WHERE expires IS NOT NULL;
`

// Config configures a Backend.
type Config struct {
	// ConnString is a standard postgres:// connection URI.
	ConnString string
}

// Backend is a PostgreSQL backend.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Backend{pool: pool}, nil
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Create(ctx context.Context, item backend.Item) error {
	// A previously expired row at this key is logically absent; sweep it
	// before the insert so Create's uniqueness check matches Get/CompareAndSwap's
	// expiry-aware view rather than colliding on garbage the cleanup sweep
	// hasn't reached yet.
	if _, err := b.pool.Exec(ctx,
		`DELETE FROM relay_kv WHERE key = $1 AND expires IS NOT NULL AND expires <= now()`, item.Key); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO relay_kv (key, value, expires) VALUES ($1, $2, $3)`,
		item.Key, item.Value, nullTime(item.Expires))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return backend.AlreadyExists("key already exists")
	}
	return err
}

func (b *Backend) Put(ctx context.Context, item backend.Item) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO relay_kv (key, value, expires) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires`,
		item.Key, item.Value, nullTime(item.Expires))
	return err
}

func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT value, expires FROM relay_kv WHERE key = $1 AND (expires IS NULL OR expires > now())`, key)

	var item backend.Item
	item.Key = key
	var expires *time.Time
	if err := row.Scan(&item.Value, &expires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, backend.NotFound("key not found")
		}
		return nil, err
	}
	if expires != nil {
		item.Expires = *expires
	}
	return &item, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE relay_kv SET value = $1, expires = $2
		 WHERE key = $3 AND value = $4 AND (expires IS NULL OR expires > now())`,
		replaceWith.Value, nullTime(replaceWith.Expires), expected.Key, expected.Value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return backend.CompareFailed("value does not match expected")
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key []byte) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM relay_kv WHERE key = $1`, key)
	return err
}

func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]backend.Item, error) {
	query := `SELECT key, value, expires FROM relay_kv
	          WHERE key >= $1 AND ($2::bytea IS NULL OR key < $2) AND (expires IS NULL OR expires > now())
	          ORDER BY key`
	args := []any{startKey, nullBytes(endKey)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Item
	for rows.Next() {
		var item backend.Item
		var expires *time.Time
		if err := rows.Scan(&item.Key, &item.Value, &expires); err != nil {
			return nil, err
		}
		if expires != nil {
			item.Expires = *expires
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
