// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgecmd/internal/registry"
)

var _ registry.Conn = (*Conn)(nil)

// Conn records every sent message and can be told to fail or block sends.
type Conn struct {
	ID      string
	Session string
	Addr    string

	// SendErr, when set, is returned from every Send.
	SendErr error
	// Block makes Send wait for ctx cancellation.
	Block bool

	offline atomic.Bool
	mu      sync.Mutex
	sent    []any
}

func NewConn(nodeID string) *Conn {
	return &Conn{ID: nodeID, Session: "session." + nodeID, Addr: "127.0.0.1:0"}
}

func (c *Conn) NodeID() string     { return c.ID }
func (c *Conn) SessionID() string  { return c.Session }
func (c *Conn) RemoteAddr() string { return c.Addr }
func (c *Conn) Connected() bool    { return !c.offline.Load() }

// Disconnect flips Connected to false without unregistering.
func (c *Conn) Disconnect() {
	c.offline.Store(true)
}

func (c *Conn) Send(ctx context.Context, msg any) error {
	if c.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

// Sent returns a copy of all messages accepted by Send.
func (c *Conn) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}
