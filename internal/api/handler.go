// Package api exposes the session store over JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/sessionstore/internal/kv"
	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/session"
	"github.com/szaher/sessionstore/internal/store"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// Request headers.
const (
	HeaderUserID        = "X-User-ID"
	HeaderCSRFToken     = "X-CSRF-Token"
	HeaderCorrelationID = "X-Correlation-ID"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// maxTTL bounds caller-supplied TTLs.
const maxTTL = 10 * 365 * 24 * time.Hour

// Handler serves the store's routes.
type Handler struct {
	facade  *store.Facade
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(facade *store.Facade, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{facade: facade, metrics: metrics, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": code, "message": message})
}

// writeError maps a store error onto a status code.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)

	var enumErr *security.EnumerationError
	if errors.As(err, &enumErr) {
		w.Header().Set("Retry-After", strconv.Itoa(enumErr.RetryAfterSeconds()))
	}

	log := telemetry.RequestLogger(h.logger, r.Context(), op)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Debug("request rejected", "status", status, "error", err)
	}
	Error(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrEnumerationDetected):
		return http.StatusTooManyRequests, "enumeration_detected"
	case errors.Is(err, security.ErrInvalidSessionID):
		return http.StatusBadRequest, "invalid_session_id"
	case errors.Is(err, session.ErrInvalidMessage),
		errors.Is(err, session.ErrInvalidOwner),
		errors.Is(err, memory.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrOwnership), errors.Is(err, security.ErrAuthorization):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrTerminated), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "terminated"
	case errors.Is(err, session.ErrConflict), errors.Is(err, memory.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, pool.ErrPoolTimeout):
		return http.StatusServiceUnavailable, "pool_timeout"
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// ttl converts a ttl_seconds field, writing 400 when it is out of range.
// Zero selects the store default.
func ttl(w http.ResponseWriter, seconds int64) (time.Duration, bool) {
	if seconds < 0 || seconds > int64(maxTTL/time.Second) {
		Error(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("ttl_seconds must be between 0 and %d", int64(maxTTL/time.Second)))
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// owner returns the caller's user id or writes 401.
func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := r.Header.Get(HeaderUserID)
	if uid == "" {
		Error(w, http.StatusUnauthorized, "unauthenticated", HeaderUserID+" header is required")
		return "", false
	}
	return uid, true
}
