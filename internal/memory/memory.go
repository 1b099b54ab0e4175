// Package memory stores state that outlives a single session: per-user
// context, per-agent memory, shared knowledge and a per-user session
// history index. Every keyspace is namespaced by identity so entries of
// different users or agents never collide.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/sessionstore/internal/kv"
)

// Keyspace names one family of memory entries.
type Keyspace string

const (
	KeyspaceUserContext Keyspace = "user_context"
	KeyspaceAgent       Keyspace = "agent"
	KeyspaceKnowledge   Keyspace = "knowledge"
	KeyspaceHistory     Keyspace = "history"
)

// Keyspaces lists every keyspace in sweep order.
var Keyspaces = []Keyspace{KeyspaceUserContext, KeyspaceAgent, KeyspaceKnowledge, KeyspaceHistory}

var (
	ErrInvalidKey = errors.New("memory identity and key are required")
	// ErrConflict means a write kept losing compare-and-swap races.
	ErrConflict = errors.New("memory write conflict")
)

const maxConflicts = 8

// TTLs are the default lifetimes per keyspace.
type TTLs struct {
	UserContext time.Duration `yaml:"user_context"`
	Agent       time.Duration `yaml:"agent"`
	Knowledge   time.Duration `yaml:"knowledge"`
	History     time.Duration `yaml:"history"`
}

// DefaultTTLs returns three days for context and agent memory, a week for
// knowledge and thirty days for history.
func DefaultTTLs() TTLs {
	return TTLs{
		UserContext: 72 * time.Hour,
		Agent:       72 * time.Hour,
		Knowledge:   7 * 24 * time.Hour,
		History:     30 * 24 * time.Hour,
	}
}

// Entry is a stored memory value.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

// Decode unmarshals the entry's data into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key, err)
	}
	return nil
}

// Store is the cross-session memory. It is safe for concurrent use.
type Store struct {
	client kv.Client
	prefix string
	ttls   TTLs
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the top-level key namespace (default "sessionstore").
func WithNamespace(ns string) Option {
	return func(s *Store) { s.prefix = ns + ":memory" }
}

// WithTTLs overrides the default lifetimes. Zero fields keep the default.
func WithTTLs(t TTLs) Option {
	return func(s *Store) {
		if t.UserContext > 0 {
			s.ttls.UserContext = t.UserContext
		}
		if t.Agent > 0 {
			s.ttls.Agent = t.Agent
		}
		if t.Knowledge > 0 {
			s.ttls.Knowledge = t.Knowledge
		}
		if t.History > 0 {
			s.ttls.History = t.History
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over client.
func New(client kv.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "sessionstore:memory",
		ttls:   DefaultTTLs(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTLs returns the effective default lifetimes.
func (s *Store) TTLs() TTLs { return s.ttls }

// StoreUserContext sets (userID, key) to data. A non-positive ttl uses the
// keyspace default.
func (s *Store) StoreUserContext(ctx context.Context, userID, key string, data any, ttl time.Duration) error {
	return s.store(ctx, KeyspaceUserContext, userID, key, data, pick(ttl, s.ttls.UserContext))
}

// GetUserContext returns the entry for (userID, key). A miss reports
// ok == false with a nil error.
func (s *Store) GetUserContext(ctx context.Context, userID, key string) (Entry, bool, error) {
	return s.get(ctx, KeyspaceUserContext, userID, key)
}

func (s *Store) StoreAgentMemory(ctx context.Context, agentID, key string, data any, ttl time.Duration) error {
	return s.store(ctx, KeyspaceAgent, agentID, key, data, pick(ttl, s.ttls.Agent))
}

func (s *Store) GetAgentMemory(ctx context.Context, agentID, key string) (Entry, bool, error) {
	return s.get(ctx, KeyspaceAgent, agentID, key)
}

func (s *Store) StoreKnowledge(ctx context.Context, category, key string, data any, ttl time.Duration) error {
	return s.store(ctx, KeyspaceKnowledge, category, key, data, pick(ttl, s.ttls.Knowledge))
}

func (s *Store) GetKnowledge(ctx context.Context, category, key string) (Entry, bool, error) {
	return s.get(ctx, KeyspaceKnowledge, category, key)
}

// Sweep removes expired and corrupted entries of one keyspace.
func (s *Store) Sweep(ctx context.Context, ks Keyspace) (int, error) {
	return kv.SweepPrefix(ctx, s.client, s.keyspacePrefix(ks)+":", s.now())
}

func (s *Store) keyspacePrefix(ks Keyspace) string {
	if ks == KeyspaceHistory {
		return kv.Key(s.prefix, string(ks), "user")
	}
	return kv.Key(s.prefix, string(ks))
}

func (s *Store) entryKey(ks Keyspace, identity, key string) string {
	return kv.Key(s.keyspacePrefix(ks), identity, key)
}

// store writes with timestamp-ordered last-writer-wins: a value stored
// later than this write's timestamp is kept.
func (s *Store) store(ctx context.Context, ks Keyspace, identity, key string, data any, ttl time.Duration) error {
	if identity == "" || key == "" {
		return ErrInvalidKey
	}
	now := s.now()
	rec, err := kv.NewRecord(data, now, ttl)
	if err != nil {
		return err
	}
	raw, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", ks, err)
	}
	return s.put(ctx, s.entryKey(ks, identity, key), rec, raw, ttl)
}

func (s *Store) put(ctx context.Context, fullKey string, rec kv.Record, raw []byte, ttl time.Duration) error {
	for range maxConflicts {
		cur, err := s.client.Get(ctx, fullKey)
		var old []byte
		switch {
		case errors.Is(err, kv.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("read %s: %w", fullKey, err)
		default:
			if prev, derr := kv.DecodeRecord(cur); derr == nil && prev.StoredAt.After(rec.StoredAt) {
				s.logger.Debug("dropping stale memory write", "key", fullKey,
					"stored_at", prev.StoredAt, "incoming", rec.StoredAt)
				return nil
			}
			old = cur
		}

		ok, err := s.client.CompareAndSwap(ctx, fullKey, old, raw, ttl)
		if err != nil {
			return fmt.Errorf("write %s: %w", fullKey, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("write %s: %w", fullKey, ErrConflict)
}

func (s *Store) get(ctx context.Context, ks Keyspace, identity, key string) (Entry, bool, error) {
	if identity == "" || key == "" {
		return Entry{}, false, ErrInvalidKey
	}
	fullKey := s.entryKey(ks, identity, key)

	raw, err := s.client.Get(ctx, fullKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s: %w", fullKey, err)
	}

	rec, err := kv.DecodeRecord(raw)
	if err != nil {
		s.discard(ctx, fullKey, raw, err)
		return Entry{}, false, nil
	}
	if rec.Expired(s.now()) {
		return Entry{}, false, nil
	}
	return Entry{Key: key, Data: rec.Data, StoredAt: rec.StoredAt, ExpiresAt: rec.ExpiresAt}, true, nil
}

// discard drops a corrupted payload; it is treated as a miss.
func (s *Store) discard(ctx context.Context, key string, raw []byte, cause error) {
	s.logger.Debug("discarding corrupted memory payload", "key", key, "error", cause)
	if _, err := s.client.CompareAndSwap(ctx, key, raw, nil, 0); err != nil {
		s.logger.Debug("discard failed", "key", key, "error", err)
	}
}

func pick(override, def time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return def
}
