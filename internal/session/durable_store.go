package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/sessionstore/internal/kv"
)

// maxConflicts bounds compare-and-swap retries for one operation.
const maxConflicts = 8

// DurableStore keeps each session as one JSON aggregate under
// {namespace}:session:{id}. Every write replaces the whole aggregate with a
// compare-and-swap against the version that was read, so readers never see
// a partial update.
type DurableStore struct {
	client kv.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ Backend = (*DurableStore)(nil)

// NewDurableStore creates a session store over client. The client is
// normally wrapped with kv.Pooled so calls run on the bounded worker pool.
func NewDurableStore(client kv.Client, opts ...Option) *DurableStore {
	o := buildOptions(opts)
	return &DurableStore{
		client: client,
		prefix: o.namespace + ":session",
		ttl:    o.ttl,
		now:    o.now,
		logger: o.logger,
	}
}

func (s *DurableStore) Name() string { return "durable" }

// Driver names the underlying kv driver.
func (s *DurableStore) Driver() string { return s.client.Name() }

func (s *DurableStore) sessionKey(id string) string {
	return kv.Key(s.prefix, id)
}

func (s *DurableStore) EnsureSession(ctx context.Context, id, owner string, attrs Attributes) (*Session, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}

	for range maxConflicts {
		now := s.now()
		sess, raw, err := s.load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			raw = nil
		case err != nil:
			return nil, err
		case !sess.Expired(now) && sess.OwnerUserID != owner:
			return nil, errOwnership(id)
		case !sess.Expired(now):
			return sess, nil
		}

		fresh := newSession(id, owner, attrs, now, s.ttl)
		ok, err := s.save(ctx, fresh, raw, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return fresh.Clone(), nil
		}
	}
	return nil, fmt.Errorf("ensure session %q: %w", id, ErrConflict)
}

func (s *DurableStore) AddMessage(ctx context.Context, id, owner string, msg Message) (*Message, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	msg, err := prepareMessage(msg, s.now())
	if err != nil {
		return nil, err
	}

	for range maxConflicts {
		now := s.now()
		sess, raw, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := checkAccess(sess, owner, now); err != nil {
			return nil, err
		}

		stored, appended, err := appendMessage(sess, msg, now)
		if err != nil {
			return nil, err
		}
		if !appended {
			return &stored, nil
		}

		ok, err := s.save(ctx, sess, raw, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return &stored, nil
		}
	}
	return nil, fmt.Errorf("add message to %q: %w", id, ErrConflict)
}

func (s *DurableStore) GetSession(ctx context.Context, id, owner string) (*Session, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	sess, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(sess, owner, s.now()); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *DurableStore) TerminateSession(ctx context.Context, id, owner string) error {
	if err := validOwner(owner); err != nil {
		return err
	}

	for range maxConflicts {
		now := s.now()
		sess, raw, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAccess(sess, owner, now); err != nil {
			return err
		}

		changed, err := terminate(sess, now)
		if err != nil || !changed {
			return err
		}

		ok, err := s.save(ctx, sess, raw, now)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("terminate session %q: %w", id, ErrConflict)
}

// Sweep deletes expired or corrupted session aggregates.
func (s *DurableStore) Sweep(ctx context.Context) (int, error) {
	return kv.SweepPrefix(ctx, s.client, s.prefix+":", s.now())
}

func (s *DurableStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *DurableStore) Close() error {
	return s.client.Close()
}

// load fetches the aggregate and the raw bytes it was decoded from. A
// corrupted payload is reported as ErrNotFound and discarded.
func (s *DurableStore) load(ctx context.Context, id string) (*Session, []byte, error) {
	key := s.sessionKey(id)
	raw, err := s.client.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil, errNotFound(id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load session %q: %w", id, err)
	}

	var sess Session
	rec, err := kv.DecodeRecord(raw)
	if err == nil {
		err = rec.Decode(&sess)
	}
	if err != nil {
		s.logger.Debug("discarding corrupted session payload", "key", key, "error", err)
		if _, derr := s.client.CompareAndSwap(ctx, key, raw, nil, 0); derr != nil {
			s.logger.Debug("discard failed", "key", key, "error", derr)
		}
		return nil, nil, errNotFound(id)
	}
	return &sess, raw, nil
}

// save writes sess if the stored bytes still equal old (nil: must not exist).
func (s *DurableStore) save(ctx context.Context, sess *Session, old []byte, now time.Time) (bool, error) {
	rec, err := kv.NewRecord(sess, now, 0)
	if err != nil {
		return false, err
	}
	rec.ExpiresAt = sess.ExpiresAt
	raw, err := rec.Encode()
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}

	ok, err := s.client.CompareAndSwap(ctx, s.sessionKey(sess.ID), old, raw, rec.TTL(now))
	if err != nil {
		return false, fmt.Errorf("save session %q: %w", sess.ID, err)
	}
	return ok, nil
}
