package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgecmd/internal/agent"
	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/store"
	"github.com/danmuck/edgecmd/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func startControlPlane(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(testServiceConfig())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		s.Wait()
	})
	return s, ts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgentRoundTrip(t *testing.T) {
	testlog.Start(t)
	s, ts := startControlPlane(t)

	cfg := agent.DefaultConfig()
	cfg.NodeID = "node.e2e"
	cfg.ServerURL = ts.URL
	cfg.AgentToken = agentToken
	a, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	agentCtx, stopAgent := context.WithCancel(context.Background())
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(agentCtx) }()
	defer func() {
		stopAgent()
		select {
		case <-agentDone:
		case <-time.After(5 * time.Second):
			t.Errorf("agent did not stop")
		}
	}()

	waitFor(t, "agent registration", func() bool {
		_, ok := s.Registry().Lookup("node.e2e")
		return ok
	})

	payload := `{"command":"echo hi","nodes":["node.e2e","node.missing"],"timeout":10}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/commands", bytes.NewBufferString(payload))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	var submitted struct {
		RequestID  string   `json:"requestId"`
		Dispatched []string `json:"dispatched"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("submit response %d: %v", resp.StatusCode, err)
	}
	if len(submitted.Dispatched) != 1 || submitted.Dispatched[0] != "node.e2e" {
		t.Fatalf("unexpected dispatched list: %v", submitted.Dispatched)
	}

	var rec store.RequestRecord
	waitFor(t, "result correlation", func() bool {
		r, ok := s.Store().Get(submitted.RequestID)
		if !ok {
			return false
		}
		rec = r
		return r.Nodes["node.e2e"].Status == store.StatusComplete
	})
	got := rec.Nodes["node.e2e"]
	if got.Output != "hi" || got.ExitCode != 0 || got.Error != nil || got.Unsolicited {
		t.Fatalf("unexpected completion: %+v", got)
	}
	if got.DurationMS == nil {
		t.Fatalf("expected a duration")
	}
	if rec.Nodes["node.missing"].Status != store.StatusOffline {
		t.Fatalf("expected node.missing offline, got %s", rec.Nodes["node.missing"].Status)
	}
}

func TestAgentSocketRejectsBadToken(t *testing.T) {
	testlog.Start(t)
	_, ts := startControlPlane(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent"
	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestAgentSocketRejectsBadHello(t *testing.T) {
	testlog.Start(t)
	s, ts := startControlPlane(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+agentToken)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	bad := protocol.NewHello("node.old", "")
	bad.ProtocolVersion = 99
	raw, _ := json.Marshal(bad)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	ack, ok := msg.(protocol.HelloAckMessage)
	if !ok || ack.Status != protocol.AckStatusRejected {
		t.Fatalf("expected rejected ack, got %#v", msg)
	}
	if s.Registry().Len() != 0 {
		t.Fatalf("rejected agent must not be registered")
	}
}

func TestAgentResultForUnknownTargetIsFlagged(t *testing.T) {
	testlog.Start(t)
	s, ts := startControlPlane(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+agentToken)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	hello, _ := protocol.Encode(protocol.NewHello("node.stray", ""))
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	rec := store.NewRecord("cmd_manual", "uptime", protocol.ShellAuto, 60, store.Meta{SentBy: "root"}, []string{"node.other"}, time.Now())
	if err := s.Store().Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	result := `{"action":"result","requestId":"cmd_manual","nodeId":"spoofed","code":4,"output":"  up  ","error":"","duration":7}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(result)); err != nil {
		t.Fatalf("write result: %v", err)
	}

	waitFor(t, "unsolicited slot", func() bool {
		r, _ := s.Store().Get("cmd_manual")
		_, ok := r.Nodes["node.stray"]
		return ok
	})
	r, _ := s.Store().Get("cmd_manual")
	got := r.Nodes["node.stray"]
	if !got.Unsolicited || got.Status != store.StatusComplete || got.ExitCode != 4 || got.Output != "up" || got.Error != nil {
		t.Fatalf("unexpected unsolicited slot: %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 7 {
		t.Fatalf("unexpected duration: %v", got.DurationMS)
	}
	if _, spoofed := r.Nodes["spoofed"]; spoofed {
		t.Fatalf("result node id must come from the connection")
	}
	if r.Nodes["node.other"].Status != store.StatusQueued {
		t.Fatalf("other targets must be untouched")
	}
}
