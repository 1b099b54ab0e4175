// Package kv defines the byte-level key/value contract that the durable
// session store and cross-session memory are built on.
//
// Drivers live in subpackages (etcdkv, pgkv, badgerkv). Memory is the
// in-process implementation used for the degraded mode and in tests.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get for a missing key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnavailable marks transient backend failures: the backend could not
	// be reached or did not answer in time. Only these are retried.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrSerialization marks a stored payload that cannot be decoded.
	ErrSerialization = errors.New("corrupted payload")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// Entry is a key and its raw value as returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Client is the storage contract every driver implements.
type Client interface {
	// Name identifies the driver ("etcd", "postgres", "badger", "memory").
	Name() string

	// Get returns the value for key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A positive ttl lets the backend drop the
	// key on its own once it elapses.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically replaces the value of key when the current
	// value equals old. A nil old means the key must be absent; a nil value
	// deletes the key. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Scan returns every entry whose key starts with prefix. Entries whose
	// backend TTL has elapsed but that were not collected yet may be included.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Ping checks that the backend answers.
	Ping(ctx context.Context) error

	// Close releases the client's connections.
	Close() error
}

// BackendError wraps a transient driver failure. It matches ErrUnavailable
// and the underlying driver error with errors.Is.
type BackendError struct {
	Driver string
	Op     string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Driver, e.Op, ErrUnavailable, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Unavailable wraps err as a transient failure of driver during op.
func Unavailable(driver, op string, err error) error {
	return &BackendError{Driver: driver, Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// EscapeSegment makes s safe to use as one ":"-separated key segment, so an
// identity containing ":" cannot reach into another identity's keys.
func EscapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

// Key joins escaped segments onto a literal prefix.
func Key(prefix string, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, s := range segments {
		sb.WriteByte(':')
		sb.WriteString(EscapeSegment(s))
	}
	return sb.String()
}
