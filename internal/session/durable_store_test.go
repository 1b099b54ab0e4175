package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/szaher/sessionstore/internal/kv"
)

func TestDurableStoreKeyLayout(t *testing.T) {
	client := kv.NewMemory()
	store := NewDurableStore(client, WithNamespace("ns"))
	ctx := context.Background()

	if _, err := store.EnsureSession(ctx, "s1", "42", Attributes{}); err != nil {
		t.Fatalf("EnsureSession returned unexpected error: %v", err)
	}
	raw, err := client.Get(ctx, "ns:session:s1")
	if err != nil {
		t.Fatalf("aggregate not stored under ns:session:s1: %v", err)
	}
	rec, err := kv.DecodeRecord(raw)
	if err != nil {
		t.Fatalf("DecodeRecord returned unexpected error: %v", err)
	}
	var sess Session
	if err := rec.Decode(&sess); err != nil {
		t.Fatalf("Decode returned unexpected error: %v", err)
	}
	if sess.OwnerUserID != "42" {
		t.Errorf("stored OwnerUserID = %q, want %q", sess.OwnerUserID, "42")
	}
	if !rec.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("record expiry %v does not match session expiry %v", rec.ExpiresAt, sess.ExpiresAt)
	}
}

func TestDurableStoreDiscardsCorruptedPayload(t *testing.T) {
	client := kv.NewMemory()
	store := NewDurableStore(client, WithNamespace("ns"))
	ctx := context.Background()

	if err := client.Set(ctx, "ns:session:s1", []byte("{corrupt"), 0); err != nil {
		t.Fatalf("Set returned unexpected error: %v", err)
	}

	if _, err := store.GetSession(ctx, "s1", "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession on corrupted payload error = %v, want ErrNotFound", err)
	}
	if _, err := client.Get(ctx, "ns:session:s1"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("corrupted payload not discarded: %v", err)
	}

	// The id is usable again.
	if _, err := store.EnsureSession(ctx, "s1", "42", Attributes{}); err != nil {
		t.Errorf("EnsureSession after discard returned %v", err)
	}
}

// failingClient returns a transient error from every call.
type failingClient struct {
	*kv.Memory
}

func (failingClient) Get(context.Context, string) ([]byte, error) {
	return nil, kv.Unavailable("failing", "get", errors.New("connection refused"))
}

func TestDurableStoreSurfacesUnavailable(t *testing.T) {
	store := NewDurableStore(failingClient{kv.NewMemory()})
	_, err := store.GetSession(context.Background(), "s1", "42")
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("GetSession error = %v, want kv.ErrUnavailable", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("backend outage reported as ErrNotFound")
	}
}

// racingClient fails every compare-and-swap.
type racingClient struct {
	*kv.Memory
	mu    sync.Mutex
	swaps int
}

func (r *racingClient) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swaps++
	return false, nil
}

func TestDurableStoreConflictBound(t *testing.T) {
	client := &racingClient{Memory: kv.NewMemory()}
	store := NewDurableStore(client)

	_, err := store.EnsureSession(context.Background(), "s1", "42", Attributes{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("EnsureSession error = %v, want ErrConflict", err)
	}
	if client.swaps != maxConflicts {
		t.Errorf("CompareAndSwap called %d times, want %d", client.swaps, maxConflicts)
	}
}
