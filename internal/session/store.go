package session

import (
	"context"
	"log/slog"
	"time"
)

// Backend is the storage contract shared by MemoryStore and DurableStore.
// Owner ids are opaque strings supplied by the caller's auth layer.
type Backend interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// EnsureSession creates the session if absent and otherwise returns the
	// existing one. It fails with ErrOwnership if another user owns it.
	EnsureSession(ctx context.Context, id, owner string, attrs Attributes) (*Session, error)

	// AddMessage appends msg with the next sequence number. A message whose
	// id is already stored is returned as-is.
	AddMessage(ctx context.Context, id, owner string, msg Message) (*Message, error)

	// GetSession returns the session or ErrNotFound / ErrOwnership.
	GetSession(ctx context.Context, id, owner string) (*Session, error)

	// TerminateSession marks the session TERMINATED. Repeating it is a no-op.
	TerminateSession(ctx context.Context, id, owner string) error

	// Sweep removes expired sessions and returns how many were removed.
	Sweep(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// DefaultTTL applies to sessions created without an explicit TTL.
const DefaultTTL = 24 * time.Hour

type options struct {
	namespace string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a session store.
type Option func(*options)

// WithNamespace sets the key namespace for durable stores.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithTTL sets the default session TTL. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		namespace: "sessionstore",
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validOwner(owner string) error {
	if owner == "" {
		return ErrInvalidOwner
	}
	return nil
}
