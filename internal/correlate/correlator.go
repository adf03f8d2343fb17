// Package correlate merges asynchronous completion reports into stored
// request records.
//
// Connection handlers hand completions to Enqueue; a single Run loop drains the
// queue and applies each one to the store, so per-record mutation happens from
// one place regardless of how many agent connections are reporting.
package correlate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped        = errors.New("correlate: correlator stopped")
	ErrAlreadyRunning = errors.New("correlate: already running")
)

const DefaultQueueSize = 256

// Correlation tags what Apply did with one completion.
type Correlation string

const (
	// Dropped: no request id, no node id, or the request is unknown or evicted.
	Dropped Correlation = "dropped"
	// KnownTarget: the node was one of the submitted targets.
	KnownTarget Correlation = "known_target"
	// UnsolicitedTarget: the request exists but the node was never targeted.
	// The report is stored under that node and flagged; this is best-effort
	// accept, not an authorization decision.
	UnsolicitedTarget Correlation = "unsolicited_target"
)

// Completion is one inbound report. NodeID is the identity of the connection
// the report arrived on; when empty the report's own nodeId is used.
type Completion struct {
	NodeID string
	Result protocol.ResultMessage
}

func (c Completion) nodeID() string {
	if id := strings.TrimSpace(c.NodeID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Result.NodeID)
}

// Option customizes a Correlator.
type Option func(*Correlator)

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithApplyHook observes every correlation decision.
func WithApplyHook(fn func(Correlation)) Option {
	return func(c *Correlator) {
		c.onApply = fn
	}
}

// Correlator owns the inbound completion queue for one store.
type Correlator struct {
	store   *store.Store
	inbox   chan Completion
	now     func() time.Time
	onApply func(Correlation)

	runMu   sync.Mutex
	running bool

	// stopping is closed when Run begins shutdown; stopped is set under mu
	// once no Enqueue can still be sending.
	stopping chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

func New(st *store.Store, queueSize int, opts ...Option) *Correlator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &Correlator{
		store: st,
		inbox:    make(chan Completion, queueSize),
		stopping: make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply merges one completion synchronously. The target slot is overwritten
// with the reported result; only its queued/dispatched timestamps survive.
func (c *Correlator) Apply(in Completion) Correlation {
	requestID := strings.TrimSpace(in.Result.RequestID)
	nodeID := in.nodeID()
	if requestID == "" || nodeID == "" {
		c.observe(Dropped)
		return Dropped
	}

	now := c.now()
	outcome := Dropped
	found := c.store.UpdateNode(requestID, nodeID, func(out *store.NodeOutcome, known bool) {
		outcome = KnownTarget
		if !known {
			outcome = UnsolicitedTarget
		}
		*out = store.NodeOutcome{
			Status:       store.StatusComplete,
			QueuedAt:     out.QueuedAt,
			DispatchedAt: out.DispatchedAt,
			CompletedAt:  now,
			Error:        in.Result.Error,
			ExitCode:     in.Result.EffectiveExitCode(),
			Output:       strings.TrimSpace(in.Result.Output),
			DurationMS:   in.Result.DurationMS,
			Unsolicited:  !known,
		}
	})
	if !found {
		log.Debug().
			Str("request_id", requestID).
			Str("node_id", nodeID).
			Msg("correlate.Correlator.Apply unknown request dropped")
		c.observe(Dropped)
		return Dropped
	}

	evt := log.Info()
	if outcome == UnsolicitedTarget {
		evt = log.Warn()
	}
	evt.Str("request_id", requestID).
		Str("node_id", nodeID).
		Int("exit_code", in.Result.EffectiveExitCode()).
		Str("correlation", string(outcome)).
		Msg("correlate.Correlator.Apply complete")
	c.observe(outcome)
	return outcome
}

func (c *Correlator) observe(outcome Correlation) {
	if c.onApply != nil {
		c.onApply(outcome)
	}
}

// Enqueue hands a completion to the Run loop, blocking while the queue is full.
// A nil return means Run will apply the completion.
func (c *Correlator) Enqueue(ctx context.Context, in Completion) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return ErrStopped
	}
	select {
	case c.inbox <- in:
		return nil
	case <-c.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued completions.
func (c *Correlator) Pending() int {
	return len(c.inbox)
}

// Run applies queued completions until ctx is cancelled, then drains what is
// already queued. A Correlator runs at most once.
func (c *Correlator) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runMu.Unlock()

	for {
		select {
		case in := <-c.inbox:
			c.Apply(in)
		case <-ctx.Done():
			c.stop()
			for {
				select {
				case in := <-c.inbox:
					c.Apply(in)
				default:
					return nil
				}
			}
		}
	}
}

// stop wakes blocked senders, then waits for in-flight sends to finish so
// the final drain sees every accepted completion.
func (c *Correlator) stop() {
	close(c.stopping)
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}
