// Package realtime fans application events out to connected clients: a
// server-sent-events hub for global notifications and per-sheet rooms for
// collaborative cell edits.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gridbook/api/internal/util"
)

var ErrHubFull = errors.New("too many connected clients")

// Event is one named message pushed to SSE subscribers. Data is
// JSON-marshaled into the data: line.
type Event struct {
	Name string
	Data any
}

// Encode renders the event in wire format, ready to write to the
// response body.
func (e Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Name, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, payload)), nil
}

// Hub tracks SSE subscribers. Each subscriber owns a buffered channel; a
// subscriber that cannot keep up is dropped rather than blocking the
// broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[string]chan Event
	max     int
}

func NewHub(maxClients int) *Hub {
	return &Hub{clients: make(map[string]chan Event), max: maxClients}
}

// Subscribe registers a new client and returns its id and event channel.
// The channel is closed by Unsubscribe or when the client is dropped.
func (h *Hub) Subscribe() (string, <-chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max > 0 && len(h.clients) >= h.max {
		return "", nil, ErrHubFull
	}
	id := util.NewID("sse")
	ch := make(chan Event, 16)
	h.clients[id] = ch
	return id, ch, nil
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

// Broadcast delivers the event to every subscriber. Slow subscribers with
// a full buffer are disconnected.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- event:
		default:
			delete(h.clients, id)
			close(ch)
		}
	}
}

// Count reports the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
