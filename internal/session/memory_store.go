package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps sessions in process memory. Each session has its own
// lock; the index lock is only held for map lookups and inserts, so
// unrelated sessions never serialize against each other.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	ttl     time.Duration
	now     func() time.Time
	closed  atomic.Bool
}

type memEntry struct {
	mu   sync.Mutex
	sess *Session
	gone bool // removed from the index; callers must look up again
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		ttl:     o.ttl,
		now:     o.now,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) EnsureSession(_ context.Context, id, owner string, attrs Attributes) (*Session, error) {
	if err := s.check(owner); err != nil {
		return nil, err
	}

	for {
		now := s.now()

		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			sess := newSession(id, owner, attrs, now, s.ttl)
			s.entries[id] = &memEntry{sess: sess}
			s.mu.Unlock()
			return sess.Clone(), nil
		}
		s.mu.Unlock()

		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		if e.sess.Expired(now) {
			// The old session is logically gone; reuse the slot.
			e.sess = newSession(id, owner, attrs, now, s.ttl)
		} else if e.sess.OwnerUserID != owner {
			e.mu.Unlock()
			return nil, errOwnership(id)
		}
		out := e.sess.Clone()
		e.mu.Unlock()
		return out, nil
	}
}

func (s *MemoryStore) AddMessage(_ context.Context, id, owner string, msg Message) (*Message, error) {
	if err := s.check(owner); err != nil {
		return nil, err
	}
	now := s.now()
	msg, err := prepareMessage(msg, now)
	if err != nil {
		return nil, err
	}

	var stored Message
	err = s.withEntry(id, func(sess *Session) error {
		if err := checkAccess(sess, owner, now); err != nil {
			return err
		}
		stored, _, err = appendMessage(sess, msg, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id, owner string) (*Session, error) {
	if err := s.check(owner); err != nil {
		return nil, err
	}
	now := s.now()

	var out *Session
	err := s.withEntry(id, func(sess *Session) error {
		if err := checkAccess(sess, owner, now); err != nil {
			return err
		}
		out = sess.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) TerminateSession(_ context.Context, id, owner string) error {
	if err := s.check(owner); err != nil {
		return err
	}
	now := s.now()

	return s.withEntry(id, func(sess *Session) error {
		if err := checkAccess(sess, owner, now); err != nil {
			return err
		}
		_, err := terminate(sess, now)
		return err
	})
}

// Sweep removes expired sessions one at a time. Each entry is locked on its
// own, so live traffic on other sessions is never blocked.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.RLock()
	snapshot := make(map[string]*memEntry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	s.mu.RUnlock()

	now := s.now()
	removed := 0
	for id, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		e.mu.Lock()
		if !e.gone && e.sess.Expired(now) {
			e.sess.Status = StatusExpired
			e.gone = true

			s.mu.Lock()
			if s.entries[id] == e {
				delete(s.entries, id)
			}
			s.mu.Unlock()
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of sessions held, including expired ones not yet
// swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close drops all sessions. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) check(owner string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validOwner(owner)
}

// withEntry runs fn with the session's lock held.
func (s *MemoryStore) withEntry(id string, fn func(*Session) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return errNotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return errNotFound(id)
	}
	return fn(e.sess)
}
