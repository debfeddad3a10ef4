package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/mldperalta/mldperalta-DatingApp/internal/config"
	"github.com/mldperalta/mldperalta-DatingApp/internal/hub"
	"github.com/mldperalta/mldperalta-DatingApp/internal/presence"
	"github.com/mldperalta/mldperalta-DatingApp/internal/store"
	"github.com/mldperalta/mldperalta-DatingApp/internal/user"
)

// Handler holds application dependencies
type Handler struct {
	Store    store.MessageStore
	Users    user.Repository
	Presence *presence.Tracker
	Hub      *hub.Hub
	Config   config.Config

	// sendMu serializes stage+commit pairs on the shared store.
	sendMu sync.Mutex
}

// New creates a new Handler with the given dependencies
func New(st store.MessageStore, users user.Repository, tracker *presence.Tracker, h *hub.Hub, cfg config.Config) *Handler {
	return &Handler{
		Store:    st,
		Users:    users,
		Presence: tracker,
		Hub:      h,
		Config:   cfg,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	r.HandleFunc("/api/messages", h.GetMessages).Methods("GET")
	r.HandleFunc("/api/messages/thread/{username}", h.GetThread).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}", h.DeleteMessage).Methods("DELETE")
	r.HandleFunc("/api/presence", h.GetPresence).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws/messages", h.HandleWebSocket).Methods("GET")

	return r
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[handler] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
