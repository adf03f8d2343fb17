package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/registry"
	"github.com/danmuck/edgecmd/internal/registry/registrytest"
	"github.com/danmuck/edgecmd/internal/store"
	"github.com/danmuck/edgecmd/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = auth.Principal{Name: "root", SiteAdmin: true}

type fixture struct {
	store *store.Store
	reg   *registry.Registry
	conns map[string]*registrytest.Conn
	disp  *Dispatcher
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.New(10),
		reg:   registry.New(),
		conns: make(map[string]*registrytest.Conn),
	}
	f.disp = New(f.store, f.reg, cfg, opts...)
	return f
}

func (f *fixture) connect(t *testing.T, nodeID string) *registrytest.Conn {
	t.Helper()
	conn := registrytest.NewConn(nodeID)
	_, err := f.reg.Register(conn)
	require.NoError(t, err)
	f.conns[nodeID] = conn
	return conn
}

func TestSubmitMixedOutcomes(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, DefaultConfig())
	a := f.connect(t, "a")
	c := f.connect(t, "c")
	c.SendErr = errors.New("socket closed")

	res, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "echo hi", Nodes: "a,b,c"}, admin)
	require.NoError(t, err)

	// c's send raised, so only a counts as dispatched.
	assert.Equal(t, []string{"a"}, res.Dispatched)
	assert.Equal(t, store.StatusDispatched, res.Record.Nodes["a"].Status)
	assert.False(t, res.Record.Nodes["a"].DispatchedAt.IsZero())

	b := res.Record.Nodes["b"]
	assert.Equal(t, store.StatusOffline, b.Status)
	require.NotNil(t, b.Error)
	assert.Equal(t, "Agent not connected", *b.Error)
	assert.False(t, b.CompletedAt.IsZero())

	failed := res.Record.Nodes["c"]
	assert.Equal(t, store.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "Could not send command to agent", *failed.Error)
	assert.Equal(t, "socket closed", failed.Detail)

	sent := a.Sent()
	require.Len(t, sent, 1)
	msg, ok := sent[0].(protocol.DispatchMessage)
	require.True(t, ok)
	assert.Equal(t, res.Record.RequestID, msg.RequestID)
	assert.Equal(t, "echo hi", msg.Command)
	assert.Equal(t, protocol.ShellAuto, msg.Shell)
	assert.Equal(t, 60, msg.TimeoutSeconds)
	assert.Equal(t, "root", msg.Meta.SentBy)
	assert.Nil(t, msg.Meta.Comment)

	stored, ok := f.store.Get(res.Record.RequestID)
	require.True(t, ok)
	assert.Equal(t, res.Record.Nodes, stored.Nodes)
}

func TestSubmitDispatchedListKeepsSubmissionOrder(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, Config{Parallelism: 4})
	ids := []string{"n5", "n1", "n4", "n2", "n3"}
	for _, id := range ids {
		f.connect(t, id)
	}
	res, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "uptime", Nodes: []any{"n5", "n1", "n4", " n1 ", "n2", "n3"}}, admin)
	require.NoError(t, err)
	assert.Equal(t, ids, res.Dispatched)
	assert.Len(t, res.Record.Nodes, len(ids))
}

func TestSubmitDisconnectedConnIsOffline(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, DefaultConfig())
	conn := f.connect(t, "a")
	conn.Disconnect()

	res, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: []string{"a"}}, admin)
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, store.StatusOffline, res.Record.Nodes["a"].Status)
	assert.Empty(t, conn.Sent())
}

func TestSubmitSlowSendIsBounded(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, Config{SendTimeout: 20 * time.Millisecond})
	slow := f.connect(t, "slow")
	slow.Block = true
	f.connect(t, "fast")

	start := time.Now()
	res, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: "slow,fast"}, admin)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"fast"}, res.Dispatched)
	assert.Equal(t, store.StatusFailed, res.Record.Nodes["slow"].Status)
	assert.Contains(t, res.Record.Nodes["slow"].Detail, context.DeadlineExceeded.Error())
}

func TestSubmitValidationOrder(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, DefaultConfig())
	f.connect(t, "a")

	cases := []struct {
		name   string
		req    SubmitRequest
		caller auth.Principal
		want   error
	}{
		{name: "permission first", req: SubmitRequest{}, caller: auth.Principal{Name: "viewer"}, want: ErrPermissionDenied},
		{name: "blank command", req: SubmitRequest{Command: "   ", Nodes: "a"}, caller: admin, want: ErrCommandRequired},
		{name: "no nodes", req: SubmitRequest{Command: "ls", Nodes: " , ,"}, caller: admin, want: ErrNodesRequired},
		{name: "nodes wrong type", req: SubmitRequest{Command: "ls", Nodes: map[string]any{"a": true}}, caller: admin, want: ErrNodesRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.disp.Submit(context.Background(), tc.req, tc.caller)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.True(t, errors.Is(ErrCommandRequired, ErrValidation))
	assert.True(t, errors.Is(ErrNodesRequired, ErrValidation))
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.conns["a"].Sent())
}

func TestSubmitNormalizesFields(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, DefaultConfig())
	for _, tc := range []struct {
		timeout any
		want    int
	}{
		{timeout: -5, want: 60},
		{timeout: "abc", want: 60},
		{timeout: "15", want: 15},
		{timeout: 2.9, want: 2},
		{timeout: nil, want: 60},
	} {
		res, err := f.disp.Submit(context.Background(), SubmitRequest{
			Command: "  ls -la  ",
			Nodes:   "a",
			Shell:   "bash",
			Timeout: tc.timeout,
			Comment: "audit",
		}, auth.Principal{SiteAdmin: true})
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Record.TimeoutSeconds, "timeout %v", tc.timeout)
		assert.Equal(t, "ls -la", res.Record.Command)
		assert.Equal(t, "bash", res.Record.Shell)
		assert.Equal(t, auth.AnonymousName, res.Record.Meta.SentBy)
		require.NotNil(t, res.Record.Meta.Comment)
		assert.Equal(t, "audit", *res.Record.Meta.Comment)
	}
}

func TestSubmitRetriesDuplicateRequestID(t *testing.T) {
	testlog.Start(t)

	ids := []string{"cmd_fixed", "cmd_fixed", "cmd_next"}
	var mu sync.Mutex
	gen := func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	f := newFixture(t, DefaultConfig(), WithIDGenerator(gen))

	first, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: "a"}, admin)
	require.NoError(t, err)
	second, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: "a"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "cmd_fixed", first.Record.RequestID)
	assert.Equal(t, "cmd_next", second.Record.RequestID)
}

func TestSubmitOutcomeHook(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	seen := map[string]store.Status{}
	f := newFixture(t, DefaultConfig(), WithOutcomeHook(func(nodeID string, status store.Status) {
		mu.Lock()
		defer mu.Unlock()
		seen[nodeID] = status
	}))
	f.connect(t, "a")

	_, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: "a,b"}, admin)
	require.NoError(t, err)
	assert.Equal(t, map[string]store.Status{"a": store.StatusDispatched, "b": store.StatusOffline}, seen)
}

func TestResultJSONShape(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, DefaultConfig())
	res, err := f.disp.Submit(context.Background(), SubmitRequest{Command: "ls", Nodes: "b"}, admin)
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	for _, key := range []string{"requestId", "command", "shell", "timeout", "meta", "nodes", "dispatched"} {
		assert.Contains(t, shape, key)
	}
	assert.Equal(t, []any{}, shape["dispatched"])
	meta := shape["meta"].(map[string]any)
	assert.Contains(t, meta, "comment")
	assert.Nil(t, meta["comment"])
}

func TestNewRequestIDShape(t *testing.T) {
	testlog.Start(t)

	now := time.UnixMilli(1700000000000)
	a, b := NewRequestID(now), NewRequestID(now)
	assert.NotEqual(t, a, b)
	parts := strings.Split(a, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "cmd", parts[0])
	assert.Equal(t, "loyw3v28", parts[1])
	assert.Len(t, parts[2], 10)
}

// evictingLookup pushes a newer record into a one-slot store on first lookup,
// evicting the request being submitted mid-pass.
type evictingLookup struct {
	next  Lookup
	store *store.Store
	at    time.Time
	once  sync.Once
}

func (l *evictingLookup) Lookup(nodeID string) (registry.Conn, bool) {
	l.once.Do(func() {
		newer := store.NewRecord("cmd_newer", "true", protocol.ShellAuto, 60, store.Meta{SentBy: "root"}, []string{"z"}, l.at.Add(time.Second))
		_ = l.store.Create(newer)
	})
	return l.next.Lookup(nodeID)
}

func TestSubmitEvictedMidPassReportsRecordedOutcomes(t *testing.T) {
	testlog.Start(t)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := store.New(1)
	reg := registry.New()
	a := registrytest.NewConn("a")
	_, err := reg.Register(a)
	require.NoError(t, err)
	c := registrytest.NewConn("c")
	c.SendErr = errors.New("socket closed")
	_, err = reg.Register(c)
	require.NoError(t, err)

	lookup := &evictingLookup{next: reg, store: st, at: now}
	disp := New(st, lookup, DefaultConfig(), WithClock(func() time.Time { return now }))

	res, err := disp.Submit(context.Background(), SubmitRequest{Command: "uptime", Nodes: "a,b,c"}, admin)
	require.NoError(t, err)

	_, stillStored := st.Get(res.Record.RequestID)
	require.False(t, stillStored, "record should have been evicted during the pass")

	assert.Equal(t, []string{"a"}, res.Dispatched)
	assert.Equal(t, store.StatusDispatched, res.Record.Nodes["a"].Status)
	assert.Equal(t, now, res.Record.Nodes["a"].DispatchedAt)
	assert.Equal(t, store.StatusOffline, res.Record.Nodes["b"].Status)
	require.NotNil(t, res.Record.Nodes["b"].Error)
	assert.Equal(t, "Agent not connected", *res.Record.Nodes["b"].Error)
	assert.Equal(t, store.StatusFailed, res.Record.Nodes["c"].Status)
	assert.Equal(t, "socket closed", res.Record.Nodes["c"].Detail)
	for id, outcome := range res.Record.Nodes {
		assert.NotEqual(t, store.StatusQueued, outcome.Status, "node %s", id)
		assert.Equal(t, now, outcome.QueuedAt, "node %s", id)
	}
}
