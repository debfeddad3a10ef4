package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mldperalta/mldperalta-DatingApp/internal/auth"
	"github.com/mldperalta/mldperalta-DatingApp/internal/group"
	"github.com/mldperalta/mldperalta-DatingApp/internal/hub"
	"github.com/mldperalta/mldperalta-DatingApp/internal/model"
	"github.com/mldperalta/mldperalta-DatingApp/internal/store"
)

// sendTimeout bounds identity resolution plus persistence for one send.
const sendTimeout = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients (and tests) send no Origin.
				return true
			}
			return allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws/messages?user=<peer>. It runs one
// conversation session: join the conversation group, replay the thread
// to the group, then serve SendMessage invocations until the socket
// closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	username, err := auth.UsernameFromRequest(r, h.Config.TokenSecret)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	peer := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("user")))
	if peer == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	connID := uuid.NewString()
	h.Hub.Register(conn, connID)
	if first := h.Presence.UserConnected(username, connID); first {
		log.Printf("[WS] %s is online", username)
	}

	groupName := group.Name(username, peer)
	h.Hub.AddToGroup(connID, groupName)

	// Replay goes to the whole group so any other open session of either
	// participant picks up the read-state change too.
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	thread, err := h.Store.GetThread(ctx, username, peer)
	cancel()
	if err != nil {
		log.Printf("[WS] thread fetch for %s failed: %v", groupName, err)
		h.pushError(connID, ErrCodeStore, "Failed to load message thread")
	} else {
		h.Hub.SendToGroup(groupName, EventReceiveMessageThread, thread)
	}

	h.readLoop(conn, connID, username)

	h.Hub.Unregister(connID)
	if last := h.Presence.UserDisconnected(username, connID); last {
		log.Printf("[WS] %s is offline", username)
	}
}

// readLoop serves client invocations until the first read error. A
// rejected invocation pushes an Error event and keeps the session alive;
// only the socket failing ends it.
func (h *Handler) readLoop(conn *websocket.Conn, connID, username string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] connection %s closed: %v", connID, err)
			return
		}

		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.pushError(connID, ErrCodeValidation, "Invalid message frame")
			continue
		}

		switch env.Type {
		case EventSendMessage:
			var payload SendMessagePayload
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				h.pushError(connID, ErrCodeValidation, "Invalid SendMessage payload")
				continue
			}
			h.sendMessage(connID, username, payload)
		default:
			h.pushError(connID, ErrCodeValidation, "Unknown invocation: "+env.Type)
		}
	}
}

// sendMessage validates and persists one outgoing message, alerting the
// recipient's live connections while the write is in flight and
// broadcasting to the conversation group only after the commit is
// confirmed.
func (h *Handler) sendMessage(connID, senderUsername string, payload SendMessagePayload) {
	recipientUsername := strings.ToLower(strings.TrimSpace(payload.RecipientUsername))

	if recipientUsername == senderUsername {
		h.pushError(connID, ErrCodeValidation, "You cannot send message to yourself.")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		h.pushError(connID, ErrCodeValidation, "Content is required")
		return
	}

	// Deliberately not the request context: a disconnect right after the
	// send is issued must not cancel persistence.
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	sender, err := h.Users.GetByUsername(ctx, senderUsername)
	if err != nil {
		log.Printf("[WS] resolve sender %s: %v", senderUsername, err)
		h.pushError(connID, ErrCodeInternal, "Failed to resolve sender")
		return
	}
	recipient, err := h.Users.GetByUsername(ctx, recipientUsername)
	if errors.Is(err, store.ErrNotFound) {
		h.pushError(connID, ErrCodeNotFound, "Not found user")
		return
	}
	if err != nil {
		log.Printf("[WS] resolve recipient %s: %v", recipientUsername, err)
		h.pushError(connID, ErrCodeInternal, "Failed to resolve recipient")
		return
	}

	msg := &model.Message{
		SenderID:          sender.ID,
		SenderUsername:    sender.Username,
		RecipientID:       recipient.ID,
		RecipientUsername: recipient.Username,
		Content:           payload.Content,
		SentAt:            time.Now().UTC(),
	}

	// The delivery alert carries identity only, never content, and does
	// not wait for the store. Presence is keyed by the lowercased
	// username, like the group name.
	if connections := h.Presence.GetConnections(recipientUsername); len(connections) > 0 {
		go h.Hub.SendToConnections(connections, EventNewMessageReceived, AlertPayload{
			Username:    sender.Username,
			DisplayName: sender.DisplayName,
		})
	}

	// Stage, commit and enqueue the broadcast under one lock: the commit
	// confirmation must refer to this send's batch, and group members
	// must observe broadcasts in commit order. Enqueueing never blocks,
	// so holding the lock across it is safe.
	h.sendMu.Lock()
	err = h.Store.Append(ctx, msg)
	if err != nil {
		h.sendMu.Unlock()
		log.Printf("[WS] append failed: %v", err)
		h.pushError(connID, ErrCodeStore, "Failed to send message")
		return
	}
	committed, commitErr := h.Store.CommitBatch(ctx)
	if committed {
		// The group name comes from the same lowercased usernames the
		// connect path joined with, regardless of how the rows are cased.
		groupName := group.Name(senderUsername, recipientUsername)
		h.Hub.SendToGroup(groupName, EventNewMessage, msg.View(sender.DisplayName, recipient.DisplayName))
	}
	h.sendMu.Unlock()

	if commitErr != nil {
		log.Printf("[WS] commit failed: %v", commitErr)
	}
	if !committed {
		h.pushError(connID, ErrCodeStore, "Failed to send message")
	}
}

func (h *Handler) pushError(connID, code, message string) {
	h.Hub.SendToConnections([]string{connID}, EventError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
