// Package dispatch turns an admin submission into a stored request record and
// a best-effort, fire-once send to every target's live connection.
//
// Submit never waits for remote completion. Per-target failures are recorded
// on the target's outcome and never fail the submission.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/registry"
	"github.com/danmuck/edgecmd/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPermissionDenied = errors.New("dispatch: permission denied")
	ErrValidation       = errors.New("dispatch: validation failed")
	ErrCommandRequired  = fmt.Errorf("%w: command required", ErrValidation)
	ErrNodesRequired    = fmt.Errorf("%w: nodes required", ErrValidation)
)

const (
	offlineError    = "Agent not connected"
	sendFailedError = "Could not send command to agent"

	createAttempts = 3
)

// Lookup is the read side of the connection registry.
type Lookup interface {
	Lookup(nodeID string) (registry.Conn, bool)
}

// Config tunes dispatch-side bounds.
type Config struct {
	DefaultTimeoutSeconds int
	// SendTimeout bounds one transport send so a stalled connection cannot
	// hold up the submission.
	SendTimeout time.Duration
	Parallelism int
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeoutSeconds: DefaultTimeoutSeconds,
		SendTimeout:           5 * time.Second,
		Parallelism:           16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = def.DefaultTimeoutSeconds
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	return c
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithIDGenerator(fn func(time.Time) string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithOutcomeHook observes the dispatch-side status recorded for each target.
func WithOutcomeHook(fn func(nodeID string, status store.Status)) Option {
	return func(d *Dispatcher) {
		d.onOutcome = fn
	}
}

// Result is the stored record after the dispatch pass plus the targets whose
// send succeeded, in submission order.
type Result struct {
	Record     store.RequestRecord
	Dispatched []string
}

func (r Result) MarshalJSON() ([]byte, error) {
	dispatched := r.Dispatched
	if dispatched == nil {
		dispatched = []string{}
	}
	nodes := r.Record.Nodes
	if nodes == nil {
		nodes = map[string]store.NodeOutcome{}
	}
	return json.Marshal(struct {
		RequestID  string                       `json:"requestId"`
		Command    string                       `json:"command"`
		Shell      string                       `json:"shell"`
		Timeout    int                          `json:"timeout"`
		Meta       store.Meta                   `json:"meta"`
		Nodes      map[string]store.NodeOutcome `json:"nodes"`
		Dispatched []string                     `json:"dispatched"`
	}{
		RequestID:  r.Record.RequestID,
		Command:    r.Record.Command,
		Shell:      r.Record.Shell,
		Timeout:    r.Record.TimeoutSeconds,
		Meta:       r.Record.Meta,
		Nodes:      nodes,
		Dispatched: dispatched,
	})
}

// Dispatcher owns the submit path against one store and one registry.
type Dispatcher struct {
	store     *store.Store
	conns     Lookup
	cfg       Config
	now       func() time.Time
	newID     func(time.Time) string
	onOutcome func(nodeID string, status store.Status)
}

func New(st *store.Store, conns Lookup, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: st,
		conns: conns,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		newID: NewRequestID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates req, records it, and attempts one send per target.
// Only permission and validation failures are returned as errors.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest, caller auth.Principal) (Result, error) {
	if !caller.SiteAdmin {
		return Result{}, ErrPermissionDenied
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Result{}, ErrCommandRequired
	}
	nodes := NormalizeNodes(req.Nodes)
	if len(nodes) == 0 {
		return Result{}, ErrNodesRequired
	}

	meta := store.Meta{SentBy: caller.DisplayName(), Comment: store.StringPtr(req.Comment)}
	shell := NormalizeShell(req.Shell)
	timeout := NormalizeTimeout(req.Timeout, d.cfg.DefaultTimeoutSeconds)

	var rec store.RequestRecord
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := d.now()
		rec = store.NewRecord(d.newID(now), command, shell, timeout, meta, nodes, now)
		if err = d.store.Create(rec); !errors.Is(err, store.ErrDuplicateRequestID) {
			break
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: create record: %w", err)
	}

	msg := protocol.DispatchMessage{
		Action:         protocol.ActionDispatch,
		RequestID:      rec.RequestID,
		Command:        command,
		Shell:          shell,
		TimeoutSeconds: timeout,
		Meta:           protocol.Meta{SentBy: meta.SentBy, Comment: meta.Comment},
	}

	sent := make([]bool, len(nodes))
	outcomes := make([]store.NodeOutcome, len(nodes))
	var g errgroup.Group
	g.SetLimit(d.cfg.Parallelism)
	for i, nodeID := range nodes {
		base := rec.Nodes[nodeID]
		g.Go(func() error {
			sent[i], outcomes[i] = d.dispatchOne(ctx, rec.RequestID, nodeID, base, msg)
			return nil
		})
	}
	_ = g.Wait()

	dispatched := make([]string, 0, len(nodes))
	for i, nodeID := range nodes {
		if sent[i] {
			dispatched = append(dispatched, nodeID)
		}
	}

	snapshot, ok := d.store.Get(rec.RequestID)
	if !ok {
		// Evicted by concurrent submissions before the pass finished.
		snapshot = rec.Clone()
		for i, nodeID := range nodes {
			snapshot.Nodes[nodeID] = outcomes[i]
		}
	}
	log.Info().
		Str("request_id", rec.RequestID).
		Str("sent_by", meta.SentBy).
		Int("targets", len(nodes)).
		Int("dispatched", len(dispatched)).
		Msg("dispatch.Dispatcher.Submit complete")
	return Result{Record: snapshot, Dispatched: dispatched}, nil
}

// dispatchOne sends to one target and returns whether the send succeeded and
// the outcome it recorded.
func (d *Dispatcher) dispatchOne(ctx context.Context, requestID, nodeID string, base store.NodeOutcome, msg protocol.DispatchMessage) (bool, store.NodeOutcome) {
	conn, ok := d.conns.Lookup(nodeID)
	if !ok || conn == nil || !conn.Connected() {
		return false, d.record(requestID, nodeID, base, store.StatusOffline, offlineError, "")
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := conn.Send(sendCtx, msg)
	cancel()
	if err != nil {
		log.Warn().
			Str("request_id", requestID).
			Str("node_id", nodeID).
			Err(err).
			Msg("dispatch.Dispatcher.Submit send failed")
		return false, d.record(requestID, nodeID, base, store.StatusFailed, sendFailedError, err.Error())
	}
	return true, d.record(requestID, nodeID, base, store.StatusDispatched, "", "")
}

// record writes status into the stored slot and returns the slot as written.
// When the record is already gone the transition is applied to base instead.
func (d *Dispatcher) record(requestID, nodeID string, base store.NodeOutcome, status store.Status, errText, detail string) store.NodeOutcome {
	now := d.now()
	apply := func(out *store.NodeOutcome) {
		if status == store.StatusDispatched {
			out.DispatchedAt = now
			// A fast agent may already have reported.
			if out.Status == store.StatusQueued || out.Status == "" {
				out.Status = store.StatusDispatched
			}
			return
		}
		out.Status = status
		out.Error = store.StringPtr(errText)
		out.Detail = detail
		out.CompletedAt = now
	}
	written := base
	stored := d.store.UpdateNode(requestID, nodeID, func(out *store.NodeOutcome, _ bool) {
		apply(out)
		written = *out
	})
	if !stored {
		apply(&written)
	}
	if d.onOutcome != nil {
		d.onOutcome(nodeID, status)
	}
	return written
}
