// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"encoding/json"
	"sync"

	"github.com/amurg-ai/botgate/internal/session"
)

// Conn records every message sent to it.
type Conn struct {
	id string

	mu     sync.Mutex
	closed bool
	sent   []map[string]any
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg any) session.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ChannelClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return session.ChannelClosed
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return session.ChannelClosed
	}
	c.sent = append(c.sent, m)
	return session.Delivered
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns every message sent so far, decoded as JSON objects.
func (c *Conn) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.sent...)
}

// OfType returns the sent messages whose "type" equals t.
func (c *Conn) OfType(t string) []map[string]any {
	var out []map[string]any
	for _, m := range c.Messages() {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, or nil.
func (c *Conn) Last() map[string]any {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Reset forgets recorded messages.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}
