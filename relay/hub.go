// Package relay bridges the in-process event bus outward: a redis
// pubsub channel per execution, a WebSocket hub and an SSE stream.
package relay

import (
	"context"
	"sync"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Message is one payload addressed to an execution's watchers.
type Message struct {
	ExecutionID execution.ID
	Data        []byte
}

// Hub tracks WebSocket clients per execution and fans messages out to
// them. Clients that cannot keep up are disconnected rather than
// allowed to stall the hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[execution.ID][]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}

	log *logger.Logger
}

// NewHub returns a hub; call Run to start it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[execution.ID][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run pumps registrations and broadcasts until ctx ends, then closes
// every remaining client. Clients racing a shutdown see done instead
// of blocking on the channels.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Broadcast queues a message for the execution's clients. It never
// blocks; under a full queue the message is dropped, the durable state
// store remains the source of truth.
func (h *Hub) Broadcast(id execution.ID, data []byte) {
	select {
	case h.broadcast <- &Message{ExecutionID: id, Data: data}:
	default:
		h.log.Warn("hub broadcast queue full, dropping message", "execution_id", id)
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.execID] = append(h.clients[client.execID], client)
	h.log.Debug("ws client registered",
		"execution_id", client.execID,
		"clients_for_execution", len(h.clients[client.execID]))
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients := h.clients[client.execID]
	for i, c := range clients {
		if c == client {
			h.clients[client.execID] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			if len(h.clients[client.execID]) == 0 {
				delete(h.clients, client.execID)
			}
			return
		}
	}
}

func (h *Hub) fanOut(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Slow clients are dropped so one stalled reader cannot back up
	// delivery to the rest.
	var stalled []*Client
	for _, client := range h.clients[msg.ExecutionID] {
		select {
		case client.send <- msg.Data:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		h.log.Warn("ws client send buffer full, disconnecting", "execution_id", client.execID)
		h.removeLocked(client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.clients {
		for _, client := range clients {
			close(client.send)
		}
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
