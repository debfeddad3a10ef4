// Package hub owns the live WebSocket connections and their conversation
// group memberships, and fans events out to addressed connections or to
// whole groups. It is the only component that writes to sockets.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds the per-connection outbound queue. A frame for a
// connection whose queue is full is dropped; the connection is on its
// way out anyway.
const sendBufferSize = 64

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Envelope wraps every frame on the wire with its event type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: event, Data: raw}, nil
}

// Client is one registered connection with its outbound queue.
type Client struct {
	ID   string
	conn Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// writeLoop drains the send queue onto the socket. It stops on the first
// write error or when the queue is closed by Unregister; the read side
// notices the dead socket and tears the session down.
func (c *Client) writeLoop() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[hub] write to %s failed: %v", c.ID, err)
			break
		}
	}
	c.conn.Close()
}

// Hub is the connection registry and group membership table.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client         // connection id -> client
	groups  map[string]map[string]bool // group name -> connection id set
	joined  map[string]map[string]bool // connection id -> group name set
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]bool),
		joined:  make(map[string]map[string]bool),
	}
}

// Register adds a connection under the given id and starts its writer.
func (h *Hub) Register(conn Conn, connID string) *Client {
	client := &Client{
		ID:   connID,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[connID] = client
	h.mu.Unlock()

	go client.writeLoop()
	return client
}

// Unregister removes a connection, reclaims all of its group
// memberships and closes its outbound queue. Unknown ids are no-ops.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		for name := range h.joined[connID] {
			h.removeFromGroupLocked(connID, name)
		}
		delete(h.joined, connID)
	}
	h.mu.Unlock()

	if ok {
		client.close()
	}
}

// AddToGroup joins a connection to a group. Membership lasts until the
// connection unregisters.
func (h *Hub) AddToGroup(connID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connID]; !ok {
		return
	}
	if h.groups[name] == nil {
		h.groups[name] = make(map[string]bool)
	}
	h.groups[name][connID] = true
	if h.joined[connID] == nil {
		h.joined[connID] = make(map[string]bool)
	}
	h.joined[connID][name] = true
}

func (h *Hub) removeFromGroupLocked(connID, name string) {
	if ids, ok := h.groups[name]; ok {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(h.groups, name)
		}
	}
}

// GroupMembers returns a snapshot of the connection ids in a group.
func (h *Hub) GroupMembers(name string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.groups[name]))
	for id := range h.groups[name] {
		ids = append(ids, id)
	}
	return ids
}

// SendToConnections delivers one event to each of the addressed
// connections. Ids that have already disconnected are skipped silently.
func (h *Hub) SendToConnections(connIDs []string, event string, payload interface{}) {
	data, err := marshalFrame(event, payload)
	if err != nil {
		log.Printf("[hub] marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(connIDs))
	for _, id := range connIDs {
		if client, ok := h.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(data)
	}
}

// SendToGroup delivers one event to every connection in a group.
func (h *Hub) SendToGroup(name, event string, payload interface{}) {
	data, err := marshalFrame(event, payload)
	if err != nil {
		log.Printf("[hub] marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[name]))
	for id := range h.groups[name] {
		if client, ok := h.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(data)
	}
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Connection vanished between snapshot and delivery; not an error.
		return
	}
	// Never block a sender on a slow socket; the queue is the contract.
	select {
	case c.send <- data:
	default:
		log.Printf("[hub] dropping frame for %s: send queue full", c.ID)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func marshalFrame(event string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
