package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/szaher/sessionstore/internal/kv"
)

// HistoryEntry records that a user took part in a session. Entries are never
// modified, only expired.
type HistoryEntry struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendHistory adds an entry for (userID, sessionID) at the current time.
// A non-positive ttl uses the history default.
func (s *Store) AppendHistory(ctx context.Context, userID, sessionID string, ttl time.Duration) (HistoryEntry, error) {
	if userID == "" || sessionID == "" {
		return HistoryEntry{}, ErrInvalidKey
	}
	now := s.now()
	ttl = pick(ttl, s.ttls.History)
	entry := HistoryEntry{UserID: userID, SessionID: sessionID, Timestamp: now}

	rec, err := kv.NewRecord(entry, now, ttl)
	if err != nil {
		return HistoryEntry{}, err
	}
	raw, err := rec.Encode()
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("encode history entry: %w", err)
	}

	// Zero-padded so keys sort chronologically.
	ts := fmt.Sprintf("%020d", now.UnixNano())
	key := kv.Key(s.keyspacePrefix(KeyspaceHistory), userID, ts, sessionID)
	if err := s.put(ctx, key, rec, raw, ttl); err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

// ListHistory returns the user's history most recent first. A non-positive
// limit returns everything.
func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if userID == "" {
		return nil, ErrInvalidKey
	}
	prefix := kv.Key(s.keyspacePrefix(KeyspaceHistory), userID) + ":"

	entries, err := s.client.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	now := s.now()
	type keyed struct {
		ts    int64
		entry HistoryEntry
	}
	var items []keyed
	for _, e := range entries {
		rec, err := kv.DecodeRecord(e.Value)
		if err != nil || rec.Expired(now) {
			continue
		}
		var h HistoryEntry
		if err := rec.Decode(&h); err != nil {
			continue
		}
		items = append(items, keyed{ts: historyTimestamp(e.Key, prefix, h), entry: h})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].ts > items[j].ts })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	out := make([]HistoryEntry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out, nil
}

// historyTimestamp reads the key's timestamp segment, falling back to the
// stored timestamp if the key does not parse.
func historyTimestamp(key, prefix string, h HistoryEntry) int64 {
	rest := key[len(prefix):]
	if len(rest) >= 20 {
		if ts, err := strconv.ParseInt(rest[:20], 10, 64); err == nil {
			return ts
		}
	}
	return h.Timestamp.UnixNano()
}
