package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/sessionstore/internal/events"
	"github.com/szaher/sessionstore/internal/kv"
	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/session"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// Kind names the backend family serving requests.
type Kind string

const (
	KindDurable Kind = "durable"
	KindMemory  Kind = "memory"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// backends is one consistent set of stores over a single kv client.
type backends struct {
	kind     Kind
	driver   string
	sessions session.Backend
	memory   *memory.Store
	client   kv.Client
	pool     *pool.Pool // nil for memory
}

func (b *backends) close(ctx context.Context) error {
	var errs []error
	if b.pool != nil {
		errs = append(errs, b.pool.Close(ctx))
	}
	errs = append(errs, b.sessions.Close())
	if b.kind == KindMemory {
		// The durable session store closes the shared client itself.
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}

// Ticket is returned by EnsureSession. The CSRF token must accompany every
// state-changing call on the session.
type Ticket struct {
	Session   *session.Session `json:"session"`
	CSRFToken string           `json:"csrf_token"`
	Created   bool             `json:"created"`
}

// Facade is the single entry point to the store. Every session call is
// admitted and validated by the security guard before the backend is
// touched. When the durable backend fails after retries the facade switches
// to the in-memory backend once and keeps serving.
type Facade struct {
	active   atomic.Pointer[backends]
	durable  *backends
	fallback *backends

	guard   *security.Guard
	logger  *slog.Logger
	metrics *telemetry.Metrics
	events  events.Emitter
	now     func() time.Time

	demoteGroup singleflight.Group
	mu          sync.Mutex
	demoted     bool
	demotedAt   time.Time
	reason      string

	closed atomic.Bool
}

func newFacade(guard *security.Guard, fallback *backends, logger *slog.Logger, metrics *telemetry.Metrics, emitter events.Emitter, now func() time.Time) *Facade {
	f := &Facade{
		fallback: fallback,
		guard:    guard,
		logger:   logger,
		metrics:  metrics,
		events:   events.OrNoop(emitter),
		now:      now,
	}
	f.active.Store(fallback)
	return f
}

// Guard returns the security guard.
func (f *Facade) Guard() *security.Guard { return f.guard }

// StoreType reports "durable" or "memory".
func (f *Facade) StoreType() string { return string(f.active.Load().kind) }

// EnsureSession returns the session, creating it if absent. The ticket's
// CSRF token is the same on every call for the same session.
func (f *Facade) EnsureSession(ctx context.Context, id, owner string, attrs session.Attributes) (*Ticket, error) {
	source, err := f.admit(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	nonce := f.guard.NewCSRFNonce()
	attrs.Binding = f.guard.Bind(id, owner)
	attrs.CSRFNonce = nonce

	sess, err := do(ctx, f, "ensure_session", func(b *backends) (*session.Session, error) {
		return b.sessions.EnsureSession(ctx, id, owner, attrs)
	})
	if err != nil {
		f.recordLookup(source, err, false)
		return nil, err
	}
	if err := f.verifyBinding(sess, owner); err != nil {
		return nil, err
	}

	t := &Ticket{
		CSRFToken: f.guard.CSRFToken(sess.ID, owner, sess.CSRFNonce),
		Created:   sess.CSRFNonce == nonce,
		Session:   redact(sess),
	}
	if t.Created {
		if _, err := f.AppendHistory(ctx, owner, sess.ID, 0); err != nil {
			f.logger.Warn("failed to record session history", "session_id", sess.ID, "error", err)
		}
	}
	return t, nil
}

// AddMessage appends msg. csrfToken must match the session's token.
func (f *Facade) AddMessage(ctx context.Context, id, owner, csrfToken string, msg session.Message) (*session.Message, error) {
	source, err := f.admit(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if _, err := f.authorize(ctx, source, id, owner, csrfToken); err != nil {
		return nil, err
	}

	out, err := do(ctx, f, "add_message", func(b *backends) (*session.Message, error) {
		return b.sessions.AddMessage(ctx, id, owner, msg)
	})
	f.recordLookup(source, err, true)
	return out, err
}

// GetSession returns the session if owner may read it.
func (f *Facade) GetSession(ctx context.Context, id, owner string) (*session.Session, error) {
	source, err := f.admit(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	sess, err := f.load(ctx, source, id, owner)
	if err != nil {
		return nil, err
	}
	f.guard.RecordSuccess(source)
	return redact(sess), nil
}

// TerminateSession marks the session TERMINATED. Repeating it succeeds.
func (f *Facade) TerminateSession(ctx context.Context, id, owner, csrfToken string) error {
	source, err := f.admit(ctx, id, owner)
	if err != nil {
		return err
	}
	if _, err := f.authorize(ctx, source, id, owner, csrfToken); err != nil {
		return err
	}

	_, err = do(ctx, f, "terminate_session", func(b *backends) (struct{}, error) {
		return struct{}{}, b.sessions.TerminateSession(ctx, id, owner)
	})
	f.recordLookup(source, err, true)
	return err
}

// EnsureSessionAsync runs EnsureSession on its own goroutine.
func (f *Facade) EnsureSessionAsync(ctx context.Context, id, owner string, attrs session.Attributes) *Future[*Ticket] {
	return goFuture(func() (*Ticket, error) { return f.EnsureSession(ctx, id, owner, attrs) })
}

func (f *Facade) AddMessageAsync(ctx context.Context, id, owner, csrfToken string, msg session.Message) *Future[*session.Message] {
	return goFuture(func() (*session.Message, error) { return f.AddMessage(ctx, id, owner, csrfToken, msg) })
}

func (f *Facade) GetSessionAsync(ctx context.Context, id, owner string) *Future[*session.Session] {
	return goFuture(func() (*session.Session, error) { return f.GetSession(ctx, id, owner) })
}

func (f *Facade) TerminateSessionAsync(ctx context.Context, id, owner, csrfToken string) *Future[struct{}] {
	return goFuture(func() (struct{}, error) { return struct{}{}, f.TerminateSession(ctx, id, owner, csrfToken) })
}

// Ping checks the active backend.
func (f *Facade) Ping(ctx context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	return f.active.Load().sessions.Ping(ctx)
}

// Close waits for in-flight durable calls (up to ctx) and closes every
// backend. Further calls fail with ErrClosed.
func (f *Facade) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if f.durable != nil {
		errs = append(errs, f.durable.close(ctx))
	}
	errs = append(errs, f.fallback.close(ctx))
	return errors.Join(errs...)
}

// admit runs the checks that precede any backend call: flagged sources are
// rejected, then the id is validated.
func (f *Facade) admit(ctx context.Context, id, owner string) (string, error) {
	if f.closed.Load() {
		return "", ErrClosed
	}
	source := sourceOf(ctx, owner)
	if err := f.guard.Admit(source); err != nil {
		f.metrics.RecordOperation("admit", f.StoreType(), "rejected", 0)
		return source, err
	}
	if err := f.guard.ValidateSessionID(id); err != nil {
		f.guard.RecordFailure(source)
		return source, err
	}
	if owner == "" {
		return source, session.ErrInvalidOwner
	}
	return source, nil
}

// load reads the session and re-verifies its owner binding.
func (f *Facade) load(ctx context.Context, source, id, owner string) (*session.Session, error) {
	sess, err := do(ctx, f, "get_session", func(b *backends) (*session.Session, error) {
		return b.sessions.GetSession(ctx, id, owner)
	})
	if err != nil {
		f.recordLookup(source, err, false)
		return nil, err
	}
	if err := f.verifyBinding(sess, owner); err != nil {
		return nil, err
	}
	return sess, nil
}

// verifyBinding re-checks the stored owner binding. The backend has already
// matched the owner, so a mismatch means the binding secret changed and is
// not counted against the caller.
func (f *Facade) verifyBinding(sess *session.Session, owner string) error {
	if err := f.guard.VerifyBinding(sess.ID, owner, sess.Binding); err != nil {
		f.logger.Warn("owner binding mismatch; the binding secret may have changed",
			"session_id", sess.ID, "error", err)
		return err
	}
	return nil
}

// authorize loads the session and checks the CSRF token for a state change.
func (f *Facade) authorize(ctx context.Context, source, id, owner, csrfToken string) (*session.Session, error) {
	sess, err := f.load(ctx, source, id, owner)
	if err != nil {
		return nil, err
	}
	if err := f.guard.VerifyCSRF(id, owner, sess.CSRFNonce, csrfToken); err != nil {
		return nil, err
	}
	return sess, nil
}

// recordLookup feeds enumeration detection: missing or foreign sessions
// count as failures.
func (f *Facade) recordLookup(source string, err error, resetOnSuccess bool) {
	switch {
	case err == nil:
		if resetOnSuccess {
			f.guard.RecordSuccess(source)
		}
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrOwnership):
		f.guard.RecordFailure(source)
	}
}

// do runs fn on the active backends. A durable outage demotes the facade to
// memory and fn is retried there once.
func do[T any](ctx context.Context, f *Facade, op string, fn func(*backends) (T, error)) (T, error) {
	start := time.Now()
	b := f.active.Load()
	v, err := fn(b)
	if err != nil && b.kind == KindDurable && shouldDemote(ctx, err) {
		f.demote(ctx, b, op, err)
		b = f.active.Load()
		v, err = fn(b)
	}
	f.metrics.RecordOperation(op, string(b.kind), resultOf(err), time.Since(start))
	return v, err
}

// shouldDemote is true for backend outages. Pool exhaustion is load, not an
// outage, and a caller giving up says nothing about the backend.
func shouldDemote(ctx context.Context, err error) bool {
	return errors.Is(err, kv.ErrUnavailable) &&
		!errors.Is(err, pool.ErrPoolTimeout) &&
		ctx.Err() == nil
}

func (f *Facade) demote(ctx context.Context, from *backends, op string, cause error) {
	_, _, _ = f.demoteGroup.Do("demote", func() (any, error) {
		if !f.active.CompareAndSwap(from, f.fallback) {
			return nil, nil
		}
		f.markDemoted(ctx, "runtime", from.driver, fmt.Errorf("%s: %w", op, cause))
		f.logger.Warn("durable backend unavailable; degrading to in-memory store",
			"op", op, "driver", from.driver, "error", cause)
		f.metrics.RecordDemotion("runtime")
		f.metrics.SetActiveBackend(string(KindMemory))
		return nil, nil
	})
}

func (f *Facade) markDemoted(ctx context.Context, kind, driver string, cause error) {
	f.mu.Lock()
	f.demoted = true
	f.demotedAt = f.now()
	f.reason = kind + ": " + cause.Error()
	reason := f.reason
	f.mu.Unlock()

	f.events.Emit(events.New(events.BackendDemoted, telemetry.CorrelationID(ctx)).
		WithData("trigger", kind).
		WithData("driver", driver).
		WithData("reason", reason))
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrOwnership):
		return "ownership"
	case errors.Is(err, pool.ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, kv.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// sourceOf identifies the caller for enumeration tracking, falling back to
// the owner when the transport did not supply one.
func sourceOf(ctx context.Context, owner string) string {
	if s, ok := security.SourceFromContext(ctx); ok {
		return s
	}
	return "user:" + owner
}

func redact(s *session.Session) *session.Session {
	s.Binding = ""
	s.CSRFNonce = ""
	return s
}
