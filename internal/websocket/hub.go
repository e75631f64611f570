package websocket

import (
	"context"
	"sync"

	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
)

// Hub is the central pub/sub broker for WebSocket clients. It maintains the
// registry of connected clients and routes published messages to all clients
// subscribed to a given topic.
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine, the Run loop, via channels. Broadcast is the
// one exception: it holds a read-lock for the shortest possible time to copy
// the target set, then sends outside the lock so a slow client channel cannot
// stall the event loop.
type Hub struct {
	// clients maps each connected client to its presence. Keyed by pointer
	// for O(1) register/unregister.
	clients map[*Client]struct{}

	// topics maps each topic string to the set of clients subscribed to it.
	// Both maps are always updated together.
	topics map[string]map[*Client]struct{}

	// mu protects clients and topics during Broadcast, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when the Run loop exits; no further messages are
	// delivered after that.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its own
// goroutine, and exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			metrics.WebsocketClients.Set(0)
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends payload to every client subscribed to topic. It is safe to
// call from any goroutine; the runner publishes here during active runs.
// Clients whose send buffer is full are disconnected so a slow consumer
// cannot block other subscribers on the same topic.
func (h *Hub) Broadcast(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	h.mu.RLock()
	targets := h.topics[topic]
	// Copy the target set before releasing the lock; channel sends can
	// block when a buffer is full.
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// Send buffer full, the client is too slow to keep up.
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to all its topics.
// Called by the HTTP upgrade handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected WebSocket clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
