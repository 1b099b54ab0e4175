// Package etcdkv implements kv.Client on etcd v3. Backend TTLs are leases;
// compare-and-swap is a single transaction.
package etcdkv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/szaher/sessionstore/internal/kv"
)

const driverName = "etcd"

// revokeTimeout bounds lease cleanup after a write. A lease that could not
// be revoked still expires with its TTL.
const revokeTimeout = 2 * time.Second

// Options configures the etcd client.
type Options struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// Client is an etcd-backed kv.Client.
type Client struct {
	cli       *clientv3.Client
	endpoints []string
}

var _ kv.Client = (*Client)(nil)

// New connects to the given endpoints. The connection is lazy; use Ping to
// check availability.
func New(opts Options) (*Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, kv.Unavailable(driverName, "dial", err)
	}
	return &Client{cli: cli, endpoints: opts.Endpoints}, nil
}

func (c *Client) Name() string { return driverName }

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, classify("get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, kv.ErrKeyNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	lease, err := c.grant(ctx, ttl)
	if err != nil {
		return err
	}
	resp, err := c.cli.Put(ctx, key, string(value), putOpts(lease)...)
	if err != nil {
		// The put may still have landed; leave the lease to its TTL.
		return classify("put", err)
	}
	c.revoke(ctx, staleLeases(lease, true, prevLeases(resp.PrevKv))...)
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.cli.Delete(ctx, key, clientv3.WithPrevKV())
	if err != nil {
		return classify("delete", err)
	}
	c.revoke(ctx, prevLeases(resp.PrevKvs...)...)
	return nil
}

// CompareAndSwap runs one transaction. Each put is attached to a fresh
// lease; the lease is revoked if the swap loses, and the replaced value's
// lease is revoked if it wins.
func (c *Client) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	var cmp clientv3.Cmp
	if old == nil {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", string(old))
	}

	var lease clientv3.LeaseID
	var op clientv3.Op
	if value == nil {
		op = clientv3.OpDelete(key, clientv3.WithPrevKV())
	} else {
		var err error
		if lease, err = c.grant(ctx, ttl); err != nil {
			return false, err
		}
		op = clientv3.OpPut(key, string(value), putOpts(lease)...)
	}

	resp, err := c.cli.Txn(ctx).If(cmp).Then(op).Commit()
	if err != nil {
		// Outcome unknown; the lease is left to its TTL.
		return false, classify("txn", err)
	}

	var prev []int64
	if resp.Succeeded && len(resp.Responses) > 0 {
		if put := resp.Responses[0].GetResponsePut(); put != nil {
			prev = prevLeases(put.PrevKv)
		}
		if del := resp.Responses[0].GetResponseDeleteRange(); del != nil {
			prev = prevLeases(del.PrevKvs...)
		}
	}
	c.revoke(ctx, staleLeases(lease, resp.Succeeded, prev)...)
	return resp.Succeeded, nil
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, classify("scan", err)
	}
	out := make([]kv.Entry, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		out = append(out, kv.Entry{Key: string(item.Key), Value: item.Value})
	}
	return out, nil
}

// Ping succeeds if any configured endpoint reports its status.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	for _, ep := range c.endpoints {
		if _, err := c.cli.Status(ctx, ep); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return kv.Unavailable(driverName, "status", lastErr)
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// grant returns a lease covering ttl, or no lease for ttl <= 0.
func (c *Client) grant(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	if ttl <= 0 {
		return clientv3.NoLease, nil
	}
	// Leases have one-second granularity; round up so keys never expire early.
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	lease, err := c.cli.Grant(ctx, secs)
	if err != nil {
		return clientv3.NoLease, classify("grant", err)
	}
	return lease.ID, nil
}

// revoke releases leases that no longer back a key. It runs even when the
// caller's context is done.
func (c *Client) revoke(ctx context.Context, leases ...clientv3.LeaseID) {
	if len(leases) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	for _, id := range leases {
		if id == clientv3.NoLease {
			continue
		}
		_, _ = c.cli.Revoke(ctx, id)
	}
}

func putOpts(lease clientv3.LeaseID) []clientv3.OpOption {
	opts := []clientv3.OpOption{clientv3.WithPrevKV()}
	if lease != clientv3.NoLease {
		opts = append(opts, clientv3.WithLease(lease))
	}
	return opts
}

// staleLeases lists the leases to revoke after a write: the granted lease if
// the write did not land, otherwise the leases of the replaced values.
func staleLeases(granted clientv3.LeaseID, succeeded bool, prev []int64) []clientv3.LeaseID {
	if !succeeded {
		if granted == clientv3.NoLease {
			return nil
		}
		return []clientv3.LeaseID{granted}
	}
	var out []clientv3.LeaseID
	for _, id := range prev {
		if l := clientv3.LeaseID(id); l != clientv3.NoLease && l != granted {
			out = append(out, l)
		}
	}
	return out
}

// prevLeases collects the lease ids of previous key values.
func prevLeases[T interface{ GetLease() int64 }](kvs ...T) []int64 {
	var out []int64
	for _, item := range kvs {
		if id := item.GetLease(); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// classify treats everything except caller cancellation as transient: the
// client only fails on transport, leader or timeout problems for these calls.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return kv.Unavailable(driverName, op, err)
}
