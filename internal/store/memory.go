package store

import (
	"context"
	"time"

	"github.com/szaher/sessionstore/internal/memory"
)

// Cross-session memory is keyed by user, agent or category rather than by
// session, so these calls bypass the session guard.

func (f *Facade) StoreUserContext(ctx context.Context, userID, key string, data any, ttl time.Duration) error {
	return f.memoryWrite(ctx, "store_user_context", func(m *memory.Store) error {
		return m.StoreUserContext(ctx, userID, key, data, ttl)
	})
}

func (f *Facade) GetUserContext(ctx context.Context, userID, key string) (memory.Entry, bool, error) {
	return f.memoryRead(ctx, "get_user_context", func(m *memory.Store) (memory.Entry, bool, error) {
		return m.GetUserContext(ctx, userID, key)
	})
}

func (f *Facade) StoreAgentMemory(ctx context.Context, agentID, key string, data any, ttl time.Duration) error {
	return f.memoryWrite(ctx, "store_agent_memory", func(m *memory.Store) error {
		return m.StoreAgentMemory(ctx, agentID, key, data, ttl)
	})
}

func (f *Facade) GetAgentMemory(ctx context.Context, agentID, key string) (memory.Entry, bool, error) {
	return f.memoryRead(ctx, "get_agent_memory", func(m *memory.Store) (memory.Entry, bool, error) {
		return m.GetAgentMemory(ctx, agentID, key)
	})
}

func (f *Facade) StoreKnowledge(ctx context.Context, category, key string, data any, ttl time.Duration) error {
	return f.memoryWrite(ctx, "store_knowledge", func(m *memory.Store) error {
		return m.StoreKnowledge(ctx, category, key, data, ttl)
	})
}

func (f *Facade) GetKnowledge(ctx context.Context, category, key string) (memory.Entry, bool, error) {
	return f.memoryRead(ctx, "get_knowledge", func(m *memory.Store) (memory.Entry, bool, error) {
		return m.GetKnowledge(ctx, category, key)
	})
}

// AppendHistory records that userID took part in sessionID. A non-positive
// ttl uses the history default.
func (f *Facade) AppendHistory(ctx context.Context, userID, sessionID string, ttl time.Duration) (memory.HistoryEntry, error) {
	if f.closed.Load() {
		return memory.HistoryEntry{}, ErrClosed
	}
	return do(ctx, f, "append_history", func(b *backends) (memory.HistoryEntry, error) {
		return b.memory.AppendHistory(ctx, userID, sessionID, ttl)
	})
}

// ListHistory returns the user's sessions most recent first.
func (f *Facade) ListHistory(ctx context.Context, userID string, limit int) ([]memory.HistoryEntry, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	return do(ctx, f, "list_history", func(b *backends) ([]memory.HistoryEntry, error) {
		return b.memory.ListHistory(ctx, userID, limit)
	})
}

func (f *Facade) memoryWrite(ctx context.Context, op string, fn func(*memory.Store) error) error {
	if f.closed.Load() {
		return ErrClosed
	}
	_, err := do(ctx, f, op, func(b *backends) (struct{}, error) {
		return struct{}{}, fn(b.memory)
	})
	return err
}

type lookup struct {
	entry memory.Entry
	ok    bool
}

func (f *Facade) memoryRead(ctx context.Context, op string, fn func(*memory.Store) (memory.Entry, bool, error)) (memory.Entry, bool, error) {
	if f.closed.Load() {
		return memory.Entry{}, false, ErrClosed
	}
	res, err := do(ctx, f, op, func(b *backends) (lookup, error) {
		e, ok, err := fn(b.memory)
		return lookup{e, ok}, err
	})
	return res.entry, res.ok, err
}
