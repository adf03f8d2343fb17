package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/correlate"
	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsReadBufferSize  = 4096
	wsWriteBufferSize = 4096
	// Results carry up to 8 MiB of output per stream plus JSON escaping.
	wsReadLimit = 48 << 20
)

var (
	errConnClosed      = errors.New("server: agent connection closed")
	errHandshakeAction = errors.New("server: first frame must be hello")
)

var _ registry.Conn = (*agentConn)(nil)

// agentConn adapts one agent websocket to registry.Conn. Writes are
// serialized; ping and close frames go through WriteControl.
type agentConn struct {
	ws        *websocket.Conn
	nodeID    string
	sessionID string
	remote    string

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
}

func (c *agentConn) NodeID() string     { return c.nodeID }
func (c *agentConn) SessionID() string  { return c.sessionID }
func (c *agentConn) RemoteAddr() string { return c.remote }
func (c *agentConn) Connected() bool    { return !c.closed.Load() }

// Send encodes msg and writes it as one text frame. The write deadline is the
// earlier of ctx's deadline and the configured write timeout.
func (c *agentConn) Send(ctx context.Context, msg any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		c.Close()
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *agentConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close marks the connection disconnected and closes the socket once.
func (c *agentConn) Close() error {
	c.closed.Store(true)
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (s *Server) handleAgentSocket(c *gin.Context) {
	if err := s.agentAuth.Validate(auth.BearerToken(c.GetHeader("Authorization"))); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		// Agents are not browsers; the bearer token is the gate.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("server.Server.handleAgentSocket upgrade failed")
		return
	}
	s.serveAgent(ws, c.ClientIP())
}

func (s *Server) serveAgent(ws *websocket.Conn, remote string) {
	cfg := s.cfg.Session
	ws.SetReadLimit(wsReadLimit)

	hello, err := readHello(ws, cfg.HandshakeTimeout)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("server.Server agent handshake rejected")
		reject, _ := protocol.Encode(protocol.NewHelloAck(false, err.Error()))
		_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, reject)
		_ = ws.Close()
		return
	}

	conn := &agentConn{
		ws:           ws,
		nodeID:       hello.NodeID,
		sessionID:    uuid.NewString(),
		remote:       remote,
		writeTimeout: cfg.WriteTimeout,
	}
	replaced, err := s.registry.Register(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if closer, ok := replaced.(interface{ Close() error }); ok {
		log.Warn().Str("node_id", conn.nodeID).Msg("server.Server agent session replaced")
		_ = closer.Close()
	}
	defer func() {
		s.registry.Unregister(conn)
		_ = conn.Close()
		log.Info().
			Str("node_id", conn.nodeID).
			Str("session_id", conn.sessionID).
			Msg("server.Server agent disconnected")
	}()

	ctx := s.runContext()
	if err := conn.Send(ctx, protocol.NewHelloAck(true, "")); err != nil {
		return
	}
	log.Info().
		Str("node_id", conn.nodeID).
		Str("session_id", conn.sessionID).
		Str("remote", remote).
		Str("hostname", hello.Hostname).
		Msg("server.Server agent connected")

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(ctx, conn, stop)

	_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.Connected() {
				log.Debug().Err(err).Str("node_id", conn.nodeID).Msg("server.Server agent read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		msg, err := protocol.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Str("node_id", conn.nodeID).Msg("server.Server agent frame rejected")
			continue
		}
		result, ok := msg.(protocol.ResultMessage)
		if !ok {
			log.Warn().
				Str("node_id", conn.nodeID).
				Str("type", fmt.Sprintf("%T", msg)).
				Msg("server.Server agent frame ignored")
			continue
		}
		if err := s.correlator.Enqueue(ctx, correlate.Completion{NodeID: conn.nodeID, Result: result}); err != nil {
			log.Error().
				Err(err).
				Str("request_id", result.RequestID).
				Str("node_id", conn.nodeID).
				Msg("server.Server result not enqueued")
			return
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, conn *agentConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func readHello(ws *websocket.Conn, timeout time.Duration) (protocol.HelloMessage, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		return protocol.HelloMessage{}, err
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return protocol.HelloMessage{}, err
	}
	hello, ok := msg.(protocol.HelloMessage)
	if !ok {
		return protocol.HelloMessage{}, errHandshakeAction
	}
	return hello, nil
}
