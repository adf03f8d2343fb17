package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgecmd/internal/protocol"
)

// PendingResult tracks one completion report that has not been written to a live session.
type PendingResult struct {
	Result        protocol.ResultMessage
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// ResultOutbox stores pending results by request id, bounded to a fixed size.
// When full, the oldest queued result is dropped.
type ResultOutbox struct {
	mu    sync.Mutex
	limit int
	items map[string]PendingResult
}

func NewResultOutbox(limit int) *ResultOutbox {
	if limit <= 0 {
		limit = 256
	}
	return &ResultOutbox{
		limit: limit,
		items: make(map[string]PendingResult),
	}
}

// Upsert queues or replaces a pending result and returns the request id it
// dropped to stay within the limit, if any.
func (o *ResultOutbox) Upsert(item PendingResult) string {
	key := strings.TrimSpace(item.Result.RequestID)
	if key == "" {
		return ""
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
	if len(o.items) <= o.limit {
		return ""
	}
	oldest := ""
	var oldestAt time.Time
	for id, pending := range o.items {
		if oldest == "" || pending.QueuedAt.Before(oldestAt) {
			oldest, oldestAt = id, pending.QueuedAt
		}
	}
	delete(o.items, oldest)
	return oldest
}

func (o *ResultOutbox) MarkAttempt(requestID string, at time.Time, lastErr string) (PendingResult, bool) {
	key := strings.TrimSpace(requestID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingResult{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *ResultOutbox) Remove(requestID string) {
	key := strings.TrimSpace(requestID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *ResultOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// List returns pending results oldest first.
func (o *ResultOutbox) List() []PendingResult {
	o.mu.Lock()
	out := make([]PendingResult, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].Result.RequestID < out[j].Result.RequestID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
