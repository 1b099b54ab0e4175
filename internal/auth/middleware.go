package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/szaher/sessionstore/internal/security"
)

// Options configures the API key middleware.
type Options struct {
	// APIKey lists the accepted bearer tokens, comma-separated. Empty
	// disables authentication.
	APIKey string
	// SkipPaths are served without authentication, e.g. "/healthz".
	SkipPaths []string
	// Failures tracks failed attempts per client and blocks repeat
	// offenders. Nil disables blocking.
	Failures *security.Detector
	Logger   *slog.Logger
}

// Middleware validates "Authorization: Bearer <key>".
func Middleware(opts Options) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := ParseKeys(opts.APIKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keys.Enabled() || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIPKeyFunc(r)
			if opts.Failures != nil {
				var enumErr *security.EnumerationError
				if err := opts.Failures.Check(clientIP); errors.As(err, &enumErr) {
					w.Header().Set("Retry-After", strconv.Itoa(enumErr.RetryAfterSeconds()))
					writeAuthError(w, http.StatusTooManyRequests, "Too many failed authentication attempts. Try again later.")
					return
				}
			}

			fail := func(msg string) {
				if opts.Failures != nil && opts.Failures.Failure(clientIP) {
					logger.Warn("client blocked after repeated authentication failures", "client", clientIP)
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				fail("missing Authorization header")
				return
			}
			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				fail("invalid Authorization format, expected 'Bearer <key>'")
				return
			}
			if !keys.Match(key) {
				fail("invalid API key")
				return
			}

			if opts.Failures != nil {
				opts.Failures.Success(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(status),
		"message": message,
	})
}
