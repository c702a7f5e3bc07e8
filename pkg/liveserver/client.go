package liveserver

import "sync"

const clientBuffer = 256

// Client is one dashboard connection. A client created with topics only
// receives those message types; without topics it receives everything.
type Client struct {
	id     string
	topics map[string]struct{}
	send   chan Message

	mu     sync.Mutex
	closed bool
}

func NewClient(id string, topics ...string) *Client {
	c := &Client{id: id, send: make(chan Message, clientBuffer)}
	if len(topics) > 0 {
		c.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			c.topics[t] = struct{}{}
		}
	}
	return c
}

// Wants reports whether msgType is part of the client's subscription
func (c *Client) Wants(msgType string) bool {
	if c.topics == nil {
		return true
	}
	_, ok := c.topics[msgType]
	return ok
}

// Send queues msg without blocking and reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) GetSendChan() <-chan Message { return c.send }

// Close is idempotent
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
