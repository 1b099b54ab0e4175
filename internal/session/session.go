// Package session defines conversation sessions, their messages and the
// storage backends that hold them.
package session

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a session. Transitions only move forward:
// CREATED -> ACTIVE -> EXPIRED or TERMINATED.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusActive     Status = "ACTIVE"
	StatusExpired    Status = "EXPIRED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusActive || next == StatusExpired || next == StatusTerminated
	case StatusActive:
		return next == StatusExpired || next == StatusTerminated
	default:
		return false
	}
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one entry in a session's conversation. It is immutable once
// appended.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Sequence  int64             `json:"sequence_number"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is a bounded conversation owned by a single user.
type Session struct {
	ID           string            `json:"id"`
	OwnerUserID  string            `json:"owner_user_id"`
	Title        string            `json:"title,omitempty"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExpiresAt    time.Time         `json:"expires_at,omitzero"`
	TTL          time.Duration     `json:"ttl"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Messages     []Message         `json:"messages"`
	LastSequence int64             `json:"last_sequence"`

	// Binding ties the id to its owner; CSRFNonce seeds the session's CSRF
	// token. Both are opaque to the store.
	Binding   string `json:"binding,omitempty"`
	CSRFNonce string `json:"csrf_nonce,omitempty"`
}

// Attributes are the caller-supplied fields used when a session is created.
// They are ignored when the session already exists.
type Attributes struct {
	Title     string
	TTL       time.Duration
	Metadata  map[string]string
	Binding   string
	CSRFNonce string
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m.clone()
	}
	return &c
}

func (m Message) clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

func newSession(id, owner string, attrs Attributes, now time.Time, defaultTTL time.Duration) *Session {
	ttl := attrs.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Session{
		ID:          id,
		OwnerUserID: owner,
		Title:       attrs.Title,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTL:         ttl,
		Metadata:    maps.Clone(attrs.Metadata),
		Messages:    []Message{},
		Binding:     attrs.Binding,
		CSRFNonce:   attrs.CSRFNonce,
	}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	return s
}

// prepareMessage validates msg and assigns an id if the caller did not.
// It runs once per call so retries of the write reuse the same id.
func prepareMessage(msg Message, now time.Time) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, errInvalidRole(msg.Role)
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(now)
	}
	msg.Metadata = maps.Clone(msg.Metadata)
	return msg, nil
}

// appendMessage adds msg to s with the next sequence number. If a message
// with the same id is already present it is returned unchanged and appended
// is false.
func appendMessage(s *Session, msg Message, now time.Time) (stored Message, appended bool, err error) {
	if i := slices.IndexFunc(s.Messages, func(m Message) bool { return m.ID == msg.ID }); i >= 0 {
		return s.Messages[i].clone(), false, nil
	}
	if s.Status.Terminal() {
		return Message{}, false, errTerminated(s.ID)
	}

	s.LastSequence++
	msg.Sequence = s.LastSequence
	msg.CreatedAt = now
	s.Messages = append(s.Messages, msg)

	if s.Status == StatusCreated {
		s.Status = StatusActive
	}
	touch(s, now)
	return msg.clone(), true, nil
}

// touch slides the expiry window forward from now.
func touch(s *Session, now time.Time) {
	s.UpdatedAt = now
	if s.TTL > 0 {
		s.ExpiresAt = now.Add(s.TTL)
	}
}

// terminate moves s to TERMINATED. It reports false if s already was.
func terminate(s *Session, now time.Time) (bool, error) {
	if s.Status == StatusTerminated {
		return false, nil
	}
	if !s.Status.CanTransition(StatusTerminated) {
		return false, errTransition(s.Status, StatusTerminated)
	}
	s.Status = StatusTerminated
	s.UpdatedAt = now
	return true, nil
}

// checkAccess fails with ErrNotFound for expired sessions and ErrOwnership
// when owner does not match.
func checkAccess(s *Session, owner string, now time.Time) error {
	if s.Expired(now) {
		return errNotFound(s.ID)
	}
	if s.OwnerUserID != owner {
		return errOwnership(s.ID)
	}
	return nil
}
