package security

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidSessionID rejects malformed or guessable ids before any
	// backend access.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrAuthorization is a failed binding or CSRF check. It is terminal.
	ErrAuthorization = errors.New("authorization failed")
	// ErrEnumerationDetected is matched by *EnumerationError.
	ErrEnumerationDetected = errors.New("enumeration detected")
)

// EnumerationError rejects a flagged source until its cooldown ends.
type EnumerationError struct {
	Subject    string
	RetryAfter time.Duration
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("%v: source %q blocked for %s", ErrEnumerationDetected, e.Subject, e.RetryAfter.Round(time.Second))
}

func (e *EnumerationError) Is(target error) bool {
	return target == ErrEnumerationDetected
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one, for
// use in a Retry-After header.
func (e *EnumerationError) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(e.RetryAfter.Seconds())))
}
