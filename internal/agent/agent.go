// Package agent is the remote executor: it holds one websocket session to the
// control plane, runs dispatched commands locally, and reports exactly one
// result per dispatch.
//
// Results that cannot be written because the session dropped stay in an
// outbox and are flushed after the next successful handshake.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/protocol/session"
	"github.com/danmuck/edgecmd/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrRejected     = errors.New("agent: hello rejected")
	ErrUnauthorized = errors.New("agent: unauthorized")
	ErrNoSession    = errors.New("agent: no live session")
)

// Option customizes an Agent.
type Option func(*Agent)

// WithRunner replaces the local shell runner.
func WithRunner(r tools.CommandRunner) Option {
	return func(a *Agent) {
		if r != nil {
			a.runner = r
		}
	}
}

type Agent struct {
	cfg    Config
	url    string
	runner tools.CommandRunner
	outbox *session.ResultOutbox
	rng    *rand.Rand

	current  atomic.Pointer[link]
	inflight sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Agent, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	wsURL, err := socketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Hostname) == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	a := &Agent{
		cfg: cfg,
		url: wsURL,
		runner: tools.ShellRunner{
			DefaultShell:   cfg.DefaultShell,
			MaxOutputBytes: cfg.MaxOutputBytes,
		},
		outbox: session.NewResultOutbox(cfg.OutboxLimit),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Pending returns the number of results not yet written to a session.
func (a *Agent) Pending() int {
	return a.outbox.Len()
}

// Run keeps a session open until ctx is cancelled, reconnecting with backoff.
// It returns nil on cancellation and an error when the server rejects the
// agent or MaxConnectAttempts is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	defer a.inflight.Wait()
	attempt := 0
	for {
		l, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrRejected) || errors.Is(err, ErrUnauthorized) {
				return err
			}
			attempt++
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("url", a.url).
				Msg("agent.Agent.Run connect failed")
			if a.cfg.MaxConnectAttempts > 0 && attempt >= a.cfg.MaxConnectAttempts {
				return err
			}
			if session.SleepBackoff(ctx, a.cfg.Session.Backoff, attempt, a.rng) != nil {
				return nil
			}
			continue
		}

		attempt = 0
		err = a.serve(ctx, l)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("node_id", a.cfg.NodeID).Msg("agent.Agent.Run session lost")
		if session.SleepBackoff(ctx, a.cfg.Session.Backoff, 1, a.rng) != nil {
			return nil
		}
	}
}

func (a *Agent) connect(ctx context.Context) (*link, error) {
	cfg := a.cfg.Session
	header := http.Header{}
	if token := strings.TrimSpace(a.cfg.AgentToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}
	l := &link{ws: ws, writeTimeout: cfg.WriteTimeout}

	if err := l.send(protocol.NewHello(a.cfg.NodeID, a.cfg.Hostname)); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	ack, ok := msg.(protocol.HelloAckMessage)
	if !ok {
		_ = ws.Close()
		return nil, fmt.Errorf("agent: expected hello_ack, got %T", msg)
	}
	if ack.Status != protocol.AckStatusAccepted {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	log.Info().Str("node_id", a.cfg.NodeID).Str("url", a.url).Msg("agent.Agent connected")
	return l, nil
}

func (a *Agent) serve(ctx context.Context, l *link) error {
	cfg := a.cfg.Session
	ws := l.ws
	a.current.Store(l)
	defer func() {
		a.current.CompareAndSwap(l, nil)
		_ = ws.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	a.flush()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		msg, err := protocol.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("agent.Agent frame rejected")
			continue
		}
		dispatch, ok := msg.(protocol.DispatchMessage)
		if !ok {
			log.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("agent.Agent frame ignored")
			continue
		}
		a.inflight.Add(1)
		go func() {
			defer a.inflight.Done()
			a.handleDispatch(ctx, dispatch)
		}()
	}
}

func (a *Agent) handleDispatch(ctx context.Context, msg protocol.DispatchMessage) {
	log.Info().
		Str("request_id", msg.RequestID).
		Str("shell", msg.Shell).
		Int("timeout_seconds", msg.TimeoutSeconds).
		Str("sent_by", msg.Meta.SentBy).
		Msg("agent.Agent dispatch received")
	res := Execute(ctx, a.runner, msg)
	if dropped := a.outbox.Upsert(session.PendingResult{Result: res}); dropped != "" {
		log.Warn().Str("request_id", dropped).Msg("agent.Agent outbox full, result dropped")
	}
	if err := a.deliver(res); err != nil {
		log.Warn().Err(err).Str("request_id", res.RequestID).Msg("agent.Agent result queued")
	}
}

// deliver writes one queued result on the current session and removes it
// from the outbox on success.
func (a *Agent) deliver(res protocol.ResultMessage) error {
	l := a.current.Load()
	if l == nil {
		a.outbox.MarkAttempt(res.RequestID, time.Now(), ErrNoSession.Error())
		return ErrNoSession
	}
	if err := l.send(res); err != nil {
		a.outbox.MarkAttempt(res.RequestID, time.Now(), err.Error())
		return err
	}
	a.outbox.Remove(res.RequestID)
	exit := res.EffectiveExitCode()
	log.Info().Str("request_id", res.RequestID).Int("exit_code", exit).Msg("agent.Agent result sent")
	return nil
}

func (a *Agent) flush() {
	for _, pending := range a.outbox.List() {
		if err := a.deliver(pending.Result); err != nil {
			return
		}
	}
}

// link is one live session. Data frames are serialized by writeMu.
type link struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (l *link) send(msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return err
	}
	return l.ws.WriteMessage(websocket.TextMessage, payload)
}
