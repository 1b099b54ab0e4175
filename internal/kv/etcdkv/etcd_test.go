package etcdkv

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/szaher/sessionstore/internal/kv"
)

// These tests need a running etcd; set SESSIONSTORE_TEST_ETCD to a
// comma-separated endpoint list to enable them.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	endpoints := os.Getenv("SESSIONSTORE_TEST_ETCD")
	if endpoints == "" {
		t.Skip("SESSIONSTORE_TEST_ETCD not set")
	}
	c, err := New(Options{Endpoints: strings.Split(endpoints, ","), DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRequiresEndpoints(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New with no endpoints should return an error")
	}
}

func TestClassify(t *testing.T) {
	if err := classify("get", context.Canceled); !errors.Is(err, context.Canceled) || kv.IsTransient(err) {
		t.Errorf("classify(Canceled) = %v, want plain context.Canceled", err)
	}
	if err := classify("get", context.DeadlineExceeded); !kv.IsTransient(err) {
		t.Errorf("classify(DeadlineExceeded) = %v, want transient", err)
	}
}

func TestStaleLeases(t *testing.T) {
	const granted = clientv3.LeaseID(7)

	if got := staleLeases(granted, false, []int64{3}); len(got) != 1 || got[0] != granted {
		t.Errorf("lost swap: staleLeases = %v, want only the granted lease", got)
	}
	if got := staleLeases(clientv3.NoLease, false, nil); len(got) != 0 {
		t.Errorf("lost swap without lease: staleLeases = %v, want none", got)
	}
	if got := staleLeases(granted, true, []int64{3, 0, 7}); len(got) != 1 || got[0] != 3 {
		t.Errorf("won swap: staleLeases = %v, want the replaced lease 3", got)
	}
	if got := staleLeases(granted, true, nil); len(got) != 0 {
		t.Errorf("won create: staleLeases = %v, want none", got)
	}
}

func leaseCount(t *testing.T, c *Client) int {
	t.Helper()
	resp, err := c.cli.Leases(context.Background())
	if err != nil {
		t.Fatalf("Leases returned unexpected error: %v", err)
	}
	return len(resp.Leases)
}

func TestCompareAndSwapDoesNotLeakLeases(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "sessionstore-test:" + time.Now().Format("150405.000000") + ":leases"

	before := leaseCount(t, c)

	cur := []byte("v0")
	if ok, err := c.CompareAndSwap(ctx, key, nil, cur, time.Hour); err != nil || !ok {
		t.Fatalf("create CompareAndSwap = %v, %v; want true, nil", ok, err)
	}
	for i := 1; i <= 20; i++ {
		next := []byte("v" + strconv.Itoa(i))
		if ok, err := c.CompareAndSwap(ctx, key, cur, next, time.Hour); err != nil || !ok {
			t.Fatalf("swap %d = %v, %v; want true, nil", i, ok, err)
		}
		// A swap against a stale value loses.
		if ok, _ := c.CompareAndSwap(ctx, key, cur, []byte("lost"), time.Hour); ok {
			t.Fatalf("stale swap %d succeeded", i)
		}
		cur = next
	}
	if err := c.Set(ctx, key, []byte("set"), time.Hour); err != nil {
		t.Fatalf("Set returned unexpected error: %v", err)
	}

	// Other tests may share the server; allow the one live lease.
	if grown := leaseCount(t, c) - before; grown > 1 {
		t.Errorf("leases grew by %d after 41 writes to one key, want at most 1", grown)
	}

	if ok, err := c.CompareAndSwap(ctx, key, []byte("set"), nil, 0); err != nil || !ok {
		t.Fatalf("delete CompareAndSwap = %v, %v; want true, nil", ok, err)
	}
	if grown := leaseCount(t, c) - before; grown > 0 {
		t.Errorf("leases grew by %d after deleting the key, want 0", grown)
	}
}

func TestEtcdRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	prefix := "sessionstore-test:" + time.Now().Format("150405.000000") + ":"

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping returned unexpected error: %v", err)
	}

	key := prefix + "a"
	ok, err := c.CompareAndSwap(ctx, key, nil, []byte("v1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("create CompareAndSwap = %v, %v; want true, nil", ok, err)
	}
	ok, _ = c.CompareAndSwap(ctx, key, nil, []byte("v2"), time.Minute)
	if ok {
		t.Error("create CompareAndSwap on existing key = true, want false")
	}
	ok, _ = c.CompareAndSwap(ctx, key, []byte("v1"), []byte("v2"), time.Minute)
	if !ok {
		t.Error("CompareAndSwap with current value = false, want true")
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get returned unexpected error: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want %q", got, "v2")
	}

	entries, err := c.Scan(ctx, prefix)
	if err != nil {
		t.Fatalf("Scan returned unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Scan returned %d entries, want 1", len(entries))
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete returned unexpected error: %v", err)
	}
	if _, err := c.Get(ctx, key); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrKeyNotFound", err)
	}
}
