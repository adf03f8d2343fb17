// Package store owns the bounded in-memory table of dispatch records.
//
// Records are created once with every target slot pre-populated, mutated per
// target by the dispatcher and the correlator, and removed only by eviction.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultHistoryLimit = 50

var (
	ErrInvalidRecord      = errors.New("store: invalid record")
	ErrDuplicateRequestID = errors.New("store: duplicate request_id")
)

const timedOutError = "No result before timeout"

// Option customizes a Store at construction.
type Option func(*Store)

// WithClock replaces time.Now for sweep decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvictHook is called with the evicted request ids after each eviction pass.
func WithEvictHook(fn func(ids []string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// Store is a bounded request_id -> RequestRecord table with oldest-first eviction.
type Store struct {
	mu      sync.RWMutex
	limit   int
	seq     uint64
	records map[string]*entry

	now     func() time.Time
	onEvict func(ids []string)
}

type entry struct {
	mu  sync.Mutex
	seq uint64
	rec RequestRecord
}

// New returns an empty store holding at most limit records.
func New(limit int, opts ...Option) *Store {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s := &Store{
		limit:   limit,
		records: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit returns the configured history limit.
func (s *Store) Limit() int {
	return s.limit
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Create inserts rec under its request id and then applies the eviction policy.
func (s *Store) Create(rec RequestRecord) error {
	key := strings.TrimSpace(rec.RequestID)
	if key == "" {
		return fmt.Errorf("%w: missing request_id", ErrInvalidRecord)
	}
	rec = rec.Clone()
	rec.RequestID = key

	s.mu.Lock()
	if _, ok := s.records[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, key)
	}
	s.seq++
	s.records[key] = &entry{seq: s.seq, rec: rec}
	evicted := s.evictLocked()
	hook := s.onEvict
	s.mu.Unlock()

	if len(evicted) > 0 && hook != nil {
		hook(evicted)
	}
	return nil
}

// evictLocked deletes the oldest records by createdAt (ties by insertion order)
// until the table is back at its limit.
func (s *Store) evictLocked() []string {
	over := len(s.records) - s.limit
	if over <= 0 {
		return nil
	}
	type aged struct {
		id        string
		createdAt time.Time
		seq       uint64
	}
	all := make([]aged, 0, len(s.records))
	for id, e := range s.records {
		all = append(all, aged{id: id, createdAt: e.rec.CreatedAt, seq: e.seq})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].seq < all[j].seq
		}
		return all[i].createdAt.Before(all[j].createdAt)
	})
	evicted := make([]string, 0, over)
	for i := 0; i < over; i++ {
		delete(s.records, all[i].id)
		evicted = append(evicted, all[i].id)
	}
	return evicted
}

// Get returns a snapshot of one record; absence is a normal outcome.
func (s *Store) Get(requestID string) (RequestRecord, bool) {
	e, ok := s.lookup(requestID)
	if !ok {
		return RequestRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), true
}

// UpdateNode applies fn to one target slot of a record under the record lock.
// known reports whether nodeID was part of the record; fn may still write an
// unknown slot, which is then added. Returns false when the record is absent.
func (s *Store) UpdateNode(requestID, nodeID string, fn func(out *NodeOutcome, known bool)) bool {
	e, ok := s.lookup(requestID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	outcome, known := e.rec.Nodes[nodeID]
	fn(&outcome, known)
	if e.rec.Nodes == nil {
		e.rec.Nodes = make(map[string]NodeOutcome)
	}
	e.rec.Nodes[nodeID] = outcome
	return true
}

// List returns up to limit record snapshots, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) []RequestRecord {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]RequestRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}
	return out
}

// Expired identifies one target slot promoted by a sweep.
type Expired struct {
	RequestID string
	NodeID    string
}

// ExpireDispatched promotes dispatched slots with no result after
// timeoutSeconds+grace to timed_out.
func (s *Store) ExpireDispatched(grace time.Duration) []Expired {
	now := s.now()
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Expired
	for _, e := range entries {
		e.mu.Lock()
		deadline := time.Duration(e.rec.TimeoutSeconds)*time.Second + grace
		for nodeID, outcome := range e.rec.Nodes {
			if outcome.Status != StatusDispatched || outcome.DispatchedAt.IsZero() {
				continue
			}
			if now.Sub(outcome.DispatchedAt) < deadline {
				continue
			}
			outcome.Status = StatusTimedOut
			outcome.CompletedAt = now
			outcome.Error = StringPtr(timedOutError)
			e.rec.Nodes[nodeID] = outcome
			out = append(out, Expired{RequestID: e.rec.RequestID, NodeID: nodeID})
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) lookup(requestID string) (*entry, bool) {
	key := strings.TrimSpace(requestID)
	if key == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key]
	return e, ok
}
