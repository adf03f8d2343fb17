package store

import (
	"encoding/json"
	"maps"
	"time"
)

// Status is the lifecycle state of one target slot inside a request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusOffline    Status = "offline"
	StatusFailed     Status = "failed"
	StatusComplete   Status = "complete"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether no further dispatch-side transition is expected.
// A correlated result may still overwrite a terminal slot.
func (s Status) Terminal() bool {
	switch s {
	case StatusOffline, StatusFailed, StatusComplete, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Meta is submission provenance carried alongside the command.
type Meta struct {
	SentBy  string  `json:"sentBy"`
	Comment *string `json:"comment"`
}

// NodeOutcome is the per-target status slot within a RequestRecord.
type NodeOutcome struct {
	Status       Status
	QueuedAt     time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time

	// Error is nil when no error text was recorded.
	Error  *string
	Detail string

	ExitCode   int
	Output     string
	DurationMS *int64

	// Unsolicited marks a result for a target that was not part of the submission.
	Unsolicited bool
}

func (o NodeOutcome) MarshalJSON() ([]byte, error) {
	out := map[string]any{"status": o.Status}
	putMillis(out, "queuedAt", o.QueuedAt)
	putMillis(out, "dispatchedAt", o.DispatchedAt)
	putMillis(out, "completedAt", o.CompletedAt)
	if o.Detail != "" {
		out["detail"] = o.Detail
	}
	if o.Unsolicited {
		out["unsolicited"] = true
	}
	switch o.Status {
	case StatusComplete:
		out["exitCode"] = o.ExitCode
		out["output"] = o.Output
		out["error"] = o.Error
		out["duration"] = o.DurationMS
	default:
		if o.Error != nil {
			out["error"] = *o.Error
		}
	}
	return json.Marshal(out)
}

func putMillis(out map[string]any, key string, at time.Time) {
	if at.IsZero() {
		return
	}
	out[key] = at.UnixMilli()
}

// RequestRecord is the full state of one submitted command across all targets.
type RequestRecord struct {
	RequestID      string
	Command        string
	Shell          string
	TimeoutSeconds int
	CreatedAt      time.Time
	Meta           Meta
	Nodes          map[string]NodeOutcome
}

type recordJSON struct {
	RequestID string                 `json:"requestId"`
	Command   string                 `json:"command"`
	Shell     string                 `json:"shell"`
	Timeout   int                    `json:"timeout"`
	CreatedAt int64                  `json:"createdAt"`
	Meta      Meta                   `json:"meta"`
	Nodes     map[string]NodeOutcome `json:"nodes"`
}

func (r RequestRecord) MarshalJSON() ([]byte, error) {
	nodes := r.Nodes
	if nodes == nil {
		nodes = map[string]NodeOutcome{}
	}
	return json.Marshal(recordJSON{
		RequestID: r.RequestID,
		Command:   r.Command,
		Shell:     r.Shell,
		Timeout:   r.TimeoutSeconds,
		CreatedAt: r.CreatedAt.UnixMilli(),
		Meta:      r.Meta,
		Nodes:     nodes,
	})
}

// NewRecord builds a record with every target pre-populated as queued.
func NewRecord(requestID, command, shell string, timeoutSeconds int, meta Meta, nodeIDs []string, now time.Time) RequestRecord {
	nodes := make(map[string]NodeOutcome, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = NodeOutcome{Status: StatusQueued, QueuedAt: now}
	}
	return RequestRecord{
		RequestID:      requestID,
		Command:        command,
		Shell:          shell,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now,
		Meta:           meta,
		Nodes:          nodes,
	}
}

// Clone returns a copy that shares no mutable maps with r.
func (r RequestRecord) Clone() RequestRecord {
	out := r
	out.Nodes = make(map[string]NodeOutcome, len(r.Nodes))
	maps.Copy(out.Nodes, r.Nodes)
	return out
}

// Counts tallies target slots by status.
func (r RequestRecord) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, outcome := range r.Nodes {
		out[outcome.Status]++
	}
	return out
}

// StringPtr returns nil for an empty string.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
