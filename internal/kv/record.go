package kv

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the envelope stored under every key. It carries its own expiry so
// readers and the cleanup sweep agree on TTL regardless of driver support.
type Record struct {
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
	Data      json.RawMessage `json:"data"`
}

// NewRecord marshals data into a record stored at now. A positive ttl sets
// the expiry.
func NewRecord(data any, now time.Time, ttl time.Duration) (Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	rec := Record{StoredAt: now, Data: raw}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	return rec, nil
}

// Expired reports whether the record's TTL has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// TTL returns the time left at now, or 0 when the record never expires.
// An expired record reports a minimal positive duration.
func (r Record) TTL(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

// Encode serializes the record.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

// DecodeRecord parses a stored envelope. Malformed input yields an error
// matching ErrSerialization.
func DecodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(rec.Data) == 0 || rec.StoredAt.IsZero() {
		return Record{}, fmt.Errorf("%w: missing envelope fields", ErrSerialization)
	}
	return rec, nil
}
