package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the session is absent or expired.
	ErrNotFound = errors.New("session not found")
	// ErrOwnership means the session belongs to another user. It is never
	// retried.
	ErrOwnership = errors.New("session owned by another user")
	// ErrTerminated means the session no longer accepts messages.
	ErrTerminated = errors.New("session terminated")
	// ErrInvalidTransition is a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidOwner      = errors.New("owner user id is required")
	// ErrConflict means a durable write kept losing compare-and-swap races.
	ErrConflict = errors.New("session write conflict")
	ErrClosed   = errors.New("session store closed")
)

func errNotFound(id string) error {
	return fmt.Errorf("session %q: %w", id, ErrNotFound)
}

func errOwnership(id string) error {
	return fmt.Errorf("session %q: %w", id, ErrOwnership)
}

func errTerminated(id string) error {
	return fmt.Errorf("session %q: %w", id, ErrTerminated)
}

func errTransition(from, to Status) error {
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

func errInvalidRole(r Role) error {
	return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, r)
}
