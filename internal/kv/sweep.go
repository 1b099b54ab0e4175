package kv

import (
	"context"
	"time"
)

// SweepPrefix deletes every record under prefix that has expired at now or
// cannot be decoded. Keys are removed one at a time with a compare-and-swap
// against the value that was read, so a record rewritten mid-sweep survives.
// It returns the number of keys removed.
func SweepPrefix(ctx context.Context, c Client, prefix string, now time.Time) (int, error) {
	entries, err := c.Scan(ctx, prefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		rec, err := DecodeRecord(e.Value)
		if err == nil && !rec.Expired(now) {
			continue
		}

		ok, err := c.CompareAndSwap(ctx, e.Key, e.Value, nil, 0)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
