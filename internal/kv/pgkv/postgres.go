// Package pgkv implements kv.Client on a single PostgreSQL table through a
// pgx connection pool.
package pgkv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/sessionstore/internal/kv"
)

const driverName = "postgres"

const schema = `
CREATE TABLE IF NOT EXISTS sessionstore_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

// Options configures the connection pool.
type Options struct {
	DSN      string
	MaxConns int32
}

// Client is a PostgreSQL-backed kv.Client.
type Client struct {
	pool *pgxpool.Pool
}

var _ kv.Client = (*Client)(nil)

// New opens the pool and creates the table if needed.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres: no DSN configured")
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, kv.Unavailable(driverName, "connect", err)
	}
	if _, err := p.Exec(ctx, schema); err != nil {
		p.Close()
		return nil, classify("migrate", err)
	}
	return &Client{pool: p}, nil
}

func (c *Client) Name() string { return driverName }

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.pool.QueryRow(ctx,
		`SELECT value FROM sessionstore_kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return value, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO sessionstore_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt(ttl))
	if err != nil {
		return classify("set", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM sessionstore_kv WHERE key = $1`, key); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (c *Client) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case old == nil && value == nil:
		return false, nil
	case old == nil:
		// Insert, or take over a row whose TTL elapsed but was not swept yet.
		tag, err = c.pool.Exec(ctx,
			`INSERT INTO sessionstore_kv (key, value, expires_at) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			 WHERE sessionstore_kv.expires_at IS NOT NULL AND sessionstore_kv.expires_at <= now()`,
			key, value, expiresAt(ttl))
	case value == nil:
		tag, err = c.pool.Exec(ctx,
			`DELETE FROM sessionstore_kv WHERE key = $1 AND value = $2`, key, old)
	default:
		tag, err = c.pool.Exec(ctx,
			`UPDATE sessionstore_kv SET value = $3, expires_at = $4 WHERE key = $1 AND value = $2`,
			key, old, value, expiresAt(ttl))
	}
	if err != nil {
		return false, classify("cas", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT key, value FROM sessionstore_kv WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, classify("scan", err)
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, classify("scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return kv.Unavailable(driverName, "ping", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

// classify returns server-side SQL errors as permanent and everything else
// (dial, I/O, timeouts) as transient.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return kv.Unavailable(driverName, op, err)
}
