// Package auth provides API key authentication and per-client rate limiting
// for the HTTP surface.
package auth

import (
	"crypto/subtle"
	"strings"
)

// Keys is the set of accepted bearer tokens. Listing the old and the new key
// together lets clients move to a rotated key without downtime.
type Keys []string

// ParseKeys splits a comma-separated key list, dropping blanks.
func ParseKeys(s string) Keys {
	var keys Keys
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Enabled reports whether any key is configured.
func (k Keys) Enabled() bool { return len(k) > 0 }

// Match reports whether provided equals one of the keys. Every key is
// compared, so timing does not reveal which one matched.
func (k Keys) Match(provided string) bool {
	if provided == "" {
		return false
	}
	matched := 0
	for _, key := range k {
		matched |= subtle.ConstantTimeCompare([]byte(provided), []byte(key))
	}
	return matched == 1
}
