package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/szaher/sessionstore/internal/session"
)

type ensureRequest struct {
	Title      string            `json:"title"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Metadata   map[string]string `json:"metadata"`
}

type messageRequest struct {
	ID       string            `json:"id"`
	Role     session.Role      `json:"role"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// EnsureSession handles PUT /v1/sessions/{id}. The body is optional.
func (h *Handler) EnsureSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := owner(w, r)
	if !ok {
		return
	}
	var req ensureRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sessionTTL, ok := ttl(w, req.TTLSeconds)
	if !ok {
		return
	}

	ticket, err := h.facade.EnsureSession(r.Context(), chi.URLParam(r, "id"), uid, session.Attributes{
		Title:    req.Title,
		TTL:      sessionTTL,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, "ensure_session", err)
		return
	}
	status := http.StatusOK
	if ticket.Created {
		status = http.StatusCreated
	}
	JSON(w, status, ticket)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := owner(w, r)
	if !ok {
		return
	}
	sess, err := h.facade.GetSession(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeError(w, r, "get_session", err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// AddMessage handles POST /v1/sessions/{id}/messages.
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := owner(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}

	msg, err := h.facade.AddMessage(r.Context(), chi.URLParam(r, "id"), uid, r.Header.Get(HeaderCSRFToken), session.Message{
		ID:       req.ID,
		Role:     req.Role,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, "add_message", err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// TerminateSession handles DELETE /v1/sessions/{id}.
func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.facade.TerminateSession(r.Context(), chi.URLParam(r, "id"), uid, r.Header.Get(HeaderCSRFToken)); err != nil {
		h.writeError(w, r, "terminate_session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz. A demoted store still reports healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.Ping(r.Context()); err != nil {
		h.writeError(w, r, "health", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"store_type": h.facade.StoreType(),
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.facade.Stats())
}
