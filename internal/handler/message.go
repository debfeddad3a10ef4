package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mldperalta/mldperalta-DatingApp/internal/auth"
	"github.com/mldperalta/mldperalta-DatingApp/internal/store"
)

// GetMessages handles GET /api/messages?pageNumber=&pageSize=&filter=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	username, err := auth.UsernameFromRequest(r, h.Config.TokenSecret)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	params := store.Params{
		PageNumber: queryInt(r, "pageNumber", 1),
		PageSize:   queryInt(r, "pageSize", h.Config.DefaultPageSize),
		Username:   username,
		Filter:     store.ParseFilter(r.URL.Query().Get("filter")),
	}
	if params.PageNumber < 1 {
		params.PageNumber = 1
	}
	if params.PageSize < 1 {
		params.PageSize = h.Config.DefaultPageSize
	}
	if params.PageSize > h.Config.MaxPageSize {
		params.PageSize = h.Config.MaxPageSize
	}

	page, err := h.Store.GetPaged(r.Context(), params)
	if err != nil {
		log.Printf("[GET /api/messages] ❌ %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// GetThread handles GET /api/messages/thread/{username}
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	username, err := auth.UsernameFromRequest(r, h.Config.TokenSecret)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	other := strings.ToLower(mux.Vars(r)["username"])
	thread, err := h.Store.GetThread(r.Context(), username, other)
	if err != nil {
		log.Printf("[GET /api/messages/thread] ❌ %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to load thread")
		return
	}

	respondJSON(w, http.StatusOK, thread)
}

// DeleteMessage handles DELETE /api/messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	username, err := auth.UsernameFromRequest(r, h.Config.TokenSecret)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	switch err := h.Store.Delete(r.Context(), id, username); {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, store.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "You cannot delete this message")
	case err != nil:
		log.Printf("[DELETE /api/messages/%d] ❌ %v", id, err)
		respondError(w, http.StatusInternalServerError, "Failed to delete message")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetPresence handles GET /api/presence
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.UsernameFromRequest(r, h.Config.TokenSecret); err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	respondJSON(w, http.StatusOK, map[string][]string{
		"online": h.Presence.OnlineUsers(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
