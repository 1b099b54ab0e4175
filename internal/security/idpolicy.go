package security

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	minIDLength = 2
	maxIDLength = 128
)

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

	// Well-known placeholder words, optionally followed by a counter.
	placeholderPattern = regexp.MustCompile(
		`(?i)^(test|admin|null|undefined|none|default|session|sess|guest|anonymous|user|demo|example)[-_.]?[0-9]*$`)
)

// ValidateSessionID rejects ids that are empty, malformed or trivially
// guessable: all digits, one repeated character, a run of consecutive
// characters such as "abcd" or "4321", or a placeholder word.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case len(id) < minIDLength || len(id) > maxIDLength:
		return fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalidSessionID, len(id), minIDLength, maxIDLength)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%w: unexpected characters", ErrInvalidSessionID)
	case isNumeric(id):
		return fmt.Errorf("%w: sequential numeric id", ErrInvalidSessionID)
	case len(id) >= 3 && strings.Count(id, id[:1]) == len(id):
		return fmt.Errorf("%w: repeated character", ErrInvalidSessionID)
	case len(id) >= 3 && isRun(id):
		return fmt.Errorf("%w: sequential pattern", ErrInvalidSessionID)
	case placeholderPattern.MatchString(id):
		return fmt.Errorf("%w: placeholder id", ErrInvalidSessionID)
	}
	return nil
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isRun reports whether every byte differs from the previous one by the same
// step of +1 or -1.
func isRun(s string) bool {
	step := int(s[1]) - int(s[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if int(s[i])-int(s[i-1]) != step {
			return false
		}
	}
	return true
}
