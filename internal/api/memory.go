package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/security"
)

type memoryRequest struct {
	Data       json.RawMessage `json:"data"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

type (
	storeFunc func(ctx context.Context, identity, key string, data any, ttl time.Duration) error
	getFunc   func(ctx context.Context, identity, key string) (memory.Entry, bool, error)
)

// StoreUserContext handles PUT /v1/users/{uid}/context/{key}. Callers may
// only write their own context.
func (h *Handler) StoreUserContext(w http.ResponseWriter, r *http.Request) {
	if uid, ok := h.self(w, r); ok {
		h.storeMemory(w, r, "store_user_context", uid, h.facade.StoreUserContext)
	}
}

// GetUserContext handles GET /v1/users/{uid}/context/{key}.
func (h *Handler) GetUserContext(w http.ResponseWriter, r *http.Request) {
	if uid, ok := h.self(w, r); ok {
		h.getMemory(w, r, "get_user_context", uid, h.facade.GetUserContext)
	}
}

// StoreAgentMemory handles PUT /v1/agents/{aid}/memory/{key}.
func (h *Handler) StoreAgentMemory(w http.ResponseWriter, r *http.Request) {
	h.storeMemory(w, r, "store_agent_memory", chi.URLParam(r, "aid"), h.facade.StoreAgentMemory)
}

// GetAgentMemory handles GET /v1/agents/{aid}/memory/{key}.
func (h *Handler) GetAgentMemory(w http.ResponseWriter, r *http.Request) {
	h.getMemory(w, r, "get_agent_memory", chi.URLParam(r, "aid"), h.facade.GetAgentMemory)
}

// StoreKnowledge handles PUT /v1/knowledge/{category}/{key}.
func (h *Handler) StoreKnowledge(w http.ResponseWriter, r *http.Request) {
	h.storeMemory(w, r, "store_knowledge", chi.URLParam(r, "category"), h.facade.StoreKnowledge)
}

// GetKnowledge handles GET /v1/knowledge/{category}/{key}.
func (h *Handler) GetKnowledge(w http.ResponseWriter, r *http.Request) {
	h.getMemory(w, r, "get_knowledge", chi.URLParam(r, "category"), h.facade.GetKnowledge)
}

// ListHistory handles GET /v1/users/{uid}/history?limit=N.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.self(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.facade.ListHistory(r.Context(), uid, limit)
	if err != nil {
		h.writeError(w, r, "list_history", err)
		return
	}
	if entries == nil {
		entries = []memory.HistoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"history": entries})
}

// self checks that {uid} is the caller.
func (h *Handler) self(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := owner(w, r)
	if !ok {
		return "", false
	}
	if uid := chi.URLParam(r, "uid"); uid != caller {
		h.writeError(w, r, "user_scope", security.ErrAuthorization)
		return "", false
	}
	return caller, true
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request, op, identity string, fn storeFunc) {
	var req memoryRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		Error(w, http.StatusBadRequest, "invalid_request", "data is required")
		return
	}
	entryTTL, ok := ttl(w, req.TTLSeconds)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := fn(r.Context(), identity, key, req.Data, entryTTL); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request, op, identity string, fn getFunc) {
	key := chi.URLParam(r, "key")
	entry, found, err := fn(r.Context(), identity, key)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	if !found {
		Error(w, http.StatusNotFound, "not_found", "no entry for "+key)
		return
	}
	JSON(w, http.StatusOK, entry)
}
