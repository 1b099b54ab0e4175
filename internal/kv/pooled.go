package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/szaher/sessionstore/internal/pool"
)

// pooled runs every call of a driver on a bounded worker pool and retries
// transient failures.
type pooled struct {
	inner  Client
	pool   *pool.Pool
	policy pool.RetryPolicy
}

// Pooled wraps c so that calls never run on the caller's goroutine, at most
// p's size run at once, and ErrUnavailable failures are retried per policy.
// Pool exhaustion surfaces as pool.ErrPoolTimeout and is not retried.
func Pooled(c Client, p *pool.Pool, policy pool.RetryPolicy, logger *slog.Logger) Client {
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &pooled{inner: c, pool: p, policy: policy}
}

func (c *pooled) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, IsTransient, func() error {
		return c.pool.Do(ctx, fn)
	})
}

func (c *pooled) Name() string { return c.inner.Name() }

func (c *pooled) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.inner.Get(ctx, key)
		out = v
		return err
	})
	if err != nil {
		// The worker may still be running after a cancelled wait.
		return nil, err
	}
	return out, nil
}

func (c *pooled) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.inner.Set(ctx, key, value, ttl)
	})
}

func (c *pooled) Delete(ctx context.Context, key string) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.inner.Delete(ctx, key)
	})
}

func (c *pooled) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := c.call(ctx, func(ctx context.Context) error {
		ok, err := c.inner.CompareAndSwap(ctx, key, old, value, ttl)
		swapped = ok
		return err
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (c *pooled) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.inner.Scan(ctx, prefix)
		out = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pooled) Ping(ctx context.Context) error {
	return c.pool.Do(ctx, c.inner.Ping)
}

func (c *pooled) Close() error {
	return c.inner.Close()
}
