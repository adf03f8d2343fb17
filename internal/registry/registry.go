// Package registry tracks the live agent connection for each node id.
//
// The registry is written by the transport (connect/disconnect) and read by the
// dispatcher. A lookup may return a connection that closes before the caller
// sends on it; callers must treat Send errors as a normal outcome.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNodeIDRequired = errors.New("registry: node_id required")
	ErrNilConn        = errors.New("registry: nil connection")
)

// Conn is one live bidirectional handle to a node.
type Conn interface {
	NodeID() string
	SessionID() string
	RemoteAddr() string
	Connected() bool
	Send(ctx context.Context, msg any) error
}

// AgentInfo is a read-only projection of one registered connection.
type AgentInfo struct {
	NodeID      string    `json:"nodeId"`
	SessionID   string    `json:"sessionId"`
	RemoteAddr  string    `json:"remoteAddr"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type registration struct {
	conn        Conn
	connectedAt time.Time
}

// Registry maps node ids to their current connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]registration
	hook  func(count int)
}

func New() *Registry {
	return &Registry{conns: make(map[string]registration)}
}

// OnChange installs a callback receiving the registered count after each change.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Register binds conn to its node id and returns the connection it replaced.
func (r *Registry) Register(conn Conn) (Conn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	key := strings.TrimSpace(conn.NodeID())
	if key == "" {
		return nil, ErrNodeIDRequired
	}
	r.mu.Lock()
	prev, had := r.conns[key]
	r.conns[key] = registration{conn: conn, connectedAt: time.Now()}
	count, hook := len(r.conns), r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	if had && prev.conn != conn {
		return prev.conn, nil
	}
	return nil, nil
}

// Unregister removes conn only if it is still the current binding for its node.
func (r *Registry) Unregister(conn Conn) bool {
	if conn == nil {
		return false
	}
	key := strings.TrimSpace(conn.NodeID())
	r.mu.Lock()
	cur, ok := r.conns[key]
	if !ok || cur.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, key)
	count, hook := len(r.conns), r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return true
}

// Lookup returns the current connection for nodeID, if any.
func (r *Registry) Lookup(nodeID string) (Conn, bool) {
	key := strings.TrimSpace(nodeID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[key]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists registered connections sorted by node id.
func (r *Registry) Snapshot() []AgentInfo {
	r.mu.RLock()
	out := make([]AgentInfo, 0, len(r.conns))
	for id, reg := range r.conns {
		out = append(out, AgentInfo{
			NodeID:      id,
			SessionID:   reg.conn.SessionID(),
			RemoteAddr:  reg.conn.RemoteAddr(),
			Connected:   reg.conn.Connected(),
			ConnectedAt: reg.connectedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
