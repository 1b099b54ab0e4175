package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/sessionstore/internal/testutil"
)

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusCreated:    {StatusActive, StatusExpired, StatusTerminated},
		StatusActive:     {StatusExpired, StatusTerminated},
		StatusExpired:    nil,
		StatusTerminated: nil,
	}
	all := []Status{StatusCreated, StatusActive, StatusExpired, StatusTerminated}

	for from, nexts := range allowed {
		for _, to := range all {
			want := false
			for _, n := range nexts {
				if n == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", from, to, got, want)
			}
		}
	}

	if !StatusExpired.Terminal() || !StatusTerminated.Terminal() || StatusActive.Terminal() {
		t.Error("Terminal() disagrees with the state machine")
	}
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := newSession("s1", "42", Attributes{}, now, time.Hour)

	for i, content := range []string{"A", "B", "C"} {
		msg, err := prepareMessage(Message{Role: RoleUser, Content: content}, now)
		if err != nil {
			t.Fatalf("prepareMessage returned unexpected error: %v", err)
		}
		stored, appended, err := appendMessage(sess, msg, now.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("appendMessage returned unexpected error: %v", err)
		}
		if !appended {
			t.Fatalf("appendMessage(%q) appended = false", content)
		}
		if stored.Sequence != int64(i+1) {
			t.Errorf("message %q sequence = %d, want %d", content, stored.Sequence, i+1)
		}
	}

	if sess.Status != StatusActive {
		t.Errorf("Status = %s after first append, want ACTIVE", sess.Status)
	}
	if want := now.Add(2*time.Minute + time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want sliding expiry %v", sess.ExpiresAt, want)
	}
}

func TestAppendMessageIsIdempotentByID(t *testing.T) {
	now := time.Now()
	sess := newSession("s1", "42", Attributes{}, now, 0)

	msg := Message{ID: "m-1", Role: RoleUser, Content: "hello"}
	first, _, err := appendMessage(sess, msg, now)
	if err != nil {
		t.Fatalf("appendMessage returned unexpected error: %v", err)
	}
	again, appended, err := appendMessage(sess, Message{ID: "m-1", Role: RoleUser, Content: "changed"}, now)
	if err != nil {
		t.Fatalf("repeat appendMessage returned unexpected error: %v", err)
	}
	if appended {
		t.Error("repeat appendMessage appended a duplicate")
	}
	if again.Content != first.Content || again.Sequence != first.Sequence {
		t.Errorf("repeat appendMessage = %+v, want stored %+v", again, first)
	}
	if len(sess.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(sess.Messages))
	}
}

func TestPrepareMessageRejectsUnknownRole(t *testing.T) {
	_, err := prepareMessage(Message{Role: "tool", Content: "x"}, time.Now())
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("prepareMessage error = %v, want ErrInvalidMessage", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	now := time.Now()
	sess := newSession("s1", "42", Attributes{}, now, 0)

	changed, err := terminate(sess, now)
	if err != nil || !changed {
		t.Fatalf("terminate = %v, %v; want true, nil", changed, err)
	}
	changed, err = terminate(sess, now)
	if err != nil || changed {
		t.Fatalf("second terminate = %v, %v; want false, nil", changed, err)
	}

	sess.Status = StatusExpired
	if _, err := terminate(sess, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminate from EXPIRED error = %v, want ErrInvalidTransition", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	sess := newSession("s1", "42", Attributes{Metadata: map[string]string{"k": "v"}}, time.Now(), 0)
	sess.Messages = append(sess.Messages, Message{ID: "m", Metadata: map[string]string{"a": "b"}})

	c := sess.Clone()
	c.Metadata["k"] = "changed"
	c.Messages[0].Metadata["a"] = "changed"
	c.Messages = append(c.Messages, Message{ID: "extra"})

	if sess.Metadata["k"] != "v" || sess.Messages[0].Metadata["a"] != "b" || len(sess.Messages) != 1 {
		t.Error("Clone shares state with the original")
	}
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := NewSessionID()

		if !strings.HasPrefix(id, "sess_") {
			t.Errorf("NewSessionID() = %q, missing \"sess_\" prefix", id)
		}
		if len(id) <= 5 {
			t.Errorf("NewSessionID() = %q, length %d is too short", id, len(id))
		}
		if _, exists := seen[id]; exists {
			t.Errorf("NewSessionID() produced duplicate ID %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewMessageIDIsTimeOrdered(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := NewMessageID(t0)
	b := NewMessageID(t0.Add(time.Millisecond))
	if len(a) != 26 {
		t.Errorf("NewMessageID length = %d, want 26", len(a))
	}
	if a >= b {
		t.Errorf("NewMessageID not ordered: %q >= %q", a, b)
	}
}

func newFakeClock() *testutil.Clock {
	return testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}
