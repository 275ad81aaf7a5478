// Package live is the realtime websocket transport: a hub of connected
// dashboard clients keyed by recipient, a per-connection client with read
// and write pumps, and the ChannelSender that pushes notifications onto
// open sockets.
package live

import (
	"encoding/json"
	"sync"

	"signaldesk/internal/types"
)

// Hub tracks connected clients per recipient. A recipient may hold several
// concurrent connections (multiple dashboard tabs); a send fans out to all
// of them.
type Hub struct {
	logger types.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger types.Logger) *Hub {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to its recipient's connection set.
func (h *Hub) Register(c *Client) {
	if c == nil || c.recipientID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.recipientID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.clients[c.recipientID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a client and closes it. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	if c == nil || c.recipientID == "" {
		return
	}
	h.mu.Lock()
	set := h.clients[c.recipientID]
	if set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.recipientID)
		}
	}
	h.mu.Unlock()
	c.Close()
}

// Send enqueues the payload to every live connection of the recipient.
// Returns true if at least one connection accepted it. A connection whose
// send buffer is full is considered dead and dropped: a stuck client must
// never block the delivery path.
func (h *Hub) Send(recipientID string, payload []byte) bool {
	if recipientID == "" || len(payload) == 0 {
		return false
	}

	h.mu.RLock()
	set := h.clients[recipientID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	ok := false
	for _, c := range targets {
		if c.enqueue(payload) {
			ok = true
		} else {
			h.logger.Warn("dropping unresponsive websocket client", "recipient_id", recipientID)
			h.Unregister(c)
		}
	}
	return ok
}

// SendJSON marshals v and sends it to the recipient.
func (h *Hub) SendJSON(recipientID string, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return h.Send(recipientID, b), nil
}

// Connected reports whether the recipient has at least one live connection.
func (h *Hub) Connected(recipientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipientID]) > 0
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Client, 0)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
