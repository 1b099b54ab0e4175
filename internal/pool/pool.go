// Package pool bounds concurrent backend calls and moves them off the
// caller's goroutine.
//
// Every storage call acquires one of Size slots. Acquisition waits up to
// WaitTimeout and then fails with ErrPoolTimeout, which callers can tell apart
// from a backend outage. The call itself runs on a worker goroutine with a
// context detached from the caller: a caller that gives up stops waiting, but
// the write may still land on the backend.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolTimeout is returned when no slot frees up within the wait timeout.
	ErrPoolTimeout = errors.New("pool: timed out waiting for a free slot")

	// ErrClosed is returned by Do after Close has been called.
	ErrClosed = errors.New("pool: closed")
)

// Options configures a Pool.
type Options struct {
	// Size is the number of calls that may run at once.
	Size int
	// WaitTimeout bounds how long Do waits for a slot.
	WaitTimeout time.Duration
	// OpTimeout bounds a single call once it holds a slot.
	OpTimeout time.Duration

	// OnTimeout is invoked every time acquisition gives up.
	OnTimeout func()
	// OnInUse is invoked with the current number of busy slots.
	OnInUse func(n int64)
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Size:        16,
		WaitTimeout: 2 * time.Second,
		OpTimeout:   5 * time.Second,
	}
}

// Pool is a bounded worker pool for blocking storage calls.
type Pool struct {
	sem   *semaphore.Weighted
	opts  Options
	inUse atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool. Zero fields in opts fall back to DefaultOptions.
func New(opts Options) *Pool {
	def := DefaultOptions()
	if opts.Size <= 0 {
		opts.Size = def.Size
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = def.WaitTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(opts.Size)),
		opts: opts,
	}
}

// Do runs fn on a pooled worker and waits for it or for ctx, whichever comes
// first. fn receives a context that is not cancelled with ctx.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.WaitTimeout)
	err := p.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		p.wg.Done()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.opts.OnTimeout != nil {
			p.opts.OnTimeout()
		}
		return ErrPoolTimeout
	}
	p.setInUse(p.inUse.Add(1))

	done := make(chan error, 1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() { p.setInUse(p.inUse.Add(-1)) }()

		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.OpTimeout)
		defer cancel()
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) setInUse(n int64) {
	if p.opts.OnInUse != nil {
		p.opts.OnInUse(n)
	}
}

// Stats reports pool occupancy.
type Stats struct {
	Size  int `json:"size"`
	InUse int `json:"in_use"`
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	return Stats{Size: p.opts.Size, InUse: int(p.inUse.Load())}
}

// Close stops accepting work and waits for in-flight calls to finish or for
// ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
