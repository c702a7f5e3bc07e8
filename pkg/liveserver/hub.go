package liveserver

import (
	"context"
	"sort"
	"sync"
)

// Logger is the subset of core.ILogger the hub uses
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub fans messages out to connected dashboards from a single goroutine.
// The latest message of each retained type is replayed to new clients,
// and a client that cannot keep up is disconnected.
type Hub struct {
	logger Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  map[string]Message
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, clientBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string]Message),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "unregistered")
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	clear(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	types := make([]string, 0, len(h.latest))
	for t := range h.latest {
		if c.Wants(t) {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	replay := make([]Message, len(types))
	for i, t := range types {
		replay[i] = h.latest[t]
	}
	h.mu.Unlock()

	for _, msg := range replay {
		c.Send(msg)
	}
	h.logf("Client registered", "client_id", c.id, "total_clients", total, "replayed", len(replay))
}

func (h *Hub) remove(c *Client, why string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logf("Client "+why, "client_id", c.id, "total_clients", total)
	}
}

func (h *Hub) fanOut(msg Message) {
	h.mu.Lock()
	if retained[msg.Type] {
		h.latest[msg.Type] = msg
	}
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.Wants(msg.Type) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.Send(msg) {
			h.remove(c, "dropped (send buffer full)")
		}
	}
}

func (h *Hub) logf(msg string, kv ...interface{}) {
	if h.logger != nil {
		h.logger.Info(msg, kv...)
	}
}

// Register adds a client. A client registered after the hub stopped is
// closed immediately.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues msg, dropping it when the hub is backed up
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("Broadcast queue full, dropping message", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
