// Package badgerkv implements kv.Client on an embedded BadgerDB, either on
// disk or fully in memory.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/szaher/sessionstore/internal/kv"
)

const driverName = "badger"

// Options for the embedded store.
type Options struct {
	Dir           string // Data directory
	InMemory      bool   // No persistence
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // ZSTD block compression
	ValueLogMaxMB int64  // Max value log file size in MB
	Logger        *slog.Logger
}

// DefaultOptions returns options for an on-disk store under dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		Compression:   true,
		ValueLogMaxMB: 256,
	}
}

// Client is a BadgerDB-backed kv.Client.
type Client struct {
	db       *badger.DB
	closed   bool
	closedMu sync.RWMutex
}

var _ kv.Client = (*Client)(nil)

// Open opens (or creates) the store.
func Open(opt Options) (*Client, error) {
	if !opt.InMemory && opt.Dir == "" {
		opt.Dir = filepath.Join(os.TempDir(), "sessionstore-badger")
	}

	bopts := badger.DefaultOptions(opt.Dir)
	if opt.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = opt.SyncWrites
	if opt.Compression && !opt.InMemory {
		bopts.Compression = options.ZSTD
	}
	if !opt.InMemory && opt.ValueLogMaxMB > 0 {
		bopts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bopts.Logger = slogAdapter{logger.With("component", "badger")}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, kv.Unavailable(driverName, "open", err)
	}
	logger.Info("badger store opened", "dir", opt.Dir, "in_memory", opt.InMemory)
	return &Client{db: db}, nil
}

func (c *Client) Name() string { return driverName }

func (c *Client) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, classify("get", err)
	}
	return out, nil
}

func (c *Client) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	return classify("set", err)
}

func (c *Client) Delete(_ context.Context, key string) error {
	err := c.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return classify("delete", err)
}

// CompareAndSwap relies on Badger's optimistic transactions: a concurrent
// writer to the same key makes the commit fail with ErrConflict.
func (c *Client) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	swapped := false
	err := c.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if old != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if old == nil {
				return nil
			}
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(cur) != string(old) {
				return nil
			}
		}

		if value == nil {
			if old == nil {
				return nil
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		} else if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, classify("cas", err)
	}
	return swapped, nil
}

func (c *Client) Scan(_ context.Context, prefix string) ([]kv.Entry, error) {
	var out []kv.Entry
	err := c.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, kv.Entry{Key: string(item.KeyCopy(nil)), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, classify("scan", err)
	}
	return out, nil
}

func (c *Client) Ping(_ context.Context) error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed || c.db.IsClosed() {
		return kv.ErrClosed
	}
	return nil
}

func (c *Client) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func (c *Client) view(fn func(*badger.Txn) error) error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return kv.ErrClosed
	}
	return c.db.View(fn)
}

func (c *Client) update(fn func(*badger.Txn) error) error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return kv.ErrClosed
	}
	return c.db.Update(fn)
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return kv.ErrKeyNotFound
	case errors.Is(err, kv.ErrClosed), errors.Is(err, badger.ErrDBClosed):
		return kv.ErrClosed
	default:
		return fmt.Errorf("badger %s: %w", op, err)
	}
}

// slogAdapter routes Badger's printf-style logging into slog.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(f string, v ...any)   { a.l.Error(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Warningf(f string, v ...any) { a.l.Warn(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Infof(f string, v ...any)    { a.l.Debug(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Debugf(f string, v ...any)   { a.l.Debug(fmt.Sprintf(f, v...)) }
