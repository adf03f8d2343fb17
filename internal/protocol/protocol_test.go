package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeDispatch(t *testing.T) {
	comment := "nightly"
	msg := DispatchMessage{
		Action:         ActionDispatch,
		RequestID:      "cmd_abc_123",
		Command:        "uptime",
		Shell:          ShellAuto,
		TimeoutSeconds: 30,
		Meta:           Meta{SentBy: "admin", Comment: &comment},
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var shape map[string]any
	if err := json.Unmarshal(raw, &shape); err != nil {
		t.Fatalf("unmarshal shape: %v", err)
	}
	for _, key := range []string{"action", "requestId", "command", "shell", "timeoutSeconds", "meta"} {
		if _, ok := shape[key]; !ok {
			t.Fatalf("missing wire key %q in %s", key, raw)
		}
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(DispatchMessage)
	if !ok {
		t.Fatalf("unexpected decoded type %T", decoded)
	}
	if got.RequestID != msg.RequestID || got.Command != msg.Command || got.TimeoutSeconds != 30 {
		t.Fatalf("dispatch mismatch: %+v", got)
	}
	if got.Meta.Comment == nil || *got.Meta.Comment != "nightly" {
		t.Fatalf("meta comment mismatch: %+v", got.Meta)
	}
}

func TestDecodeResultLenient(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		exitCode int
		output   string
		hasErr   bool
		duration *int64
	}{
		{
			name:     "full",
			payload:  `{"action":"result","requestId":"r1","exitCode":2,"output":"boom","error":"exit status 2","durationMs":15}`,
			exitCode: 2,
			output:   "boom",
			hasErr:   true,
			duration: ptr64(15),
		},
		{
			name:     "code fallback",
			payload:  `{"action":"result","requestId":"r1","exitCode":"nope","code":7,"output":5,"duration":9}`,
			exitCode: 7,
			output:   "",
			duration: ptr64(9),
		},
		{
			name:     "defaults",
			payload:  `{"action":"result","requestId":"r1","exitCode":null,"error":"","durationMs":null}`,
			exitCode: 0,
		},
		{
			name:     "out of range exit code falls back to code",
			payload:  `{"action":"result","requestId":"r1","exitCode":1e20,"code":3,"durationMs":1e300,"duration":12}`,
			exitCode: 3,
			duration: ptr64(12),
		},
		{
			name:     "out of range without code",
			payload:  `{"action":"result","requestId":"r1","exitCode":-1e20,"durationMs":-1e300}`,
			exitCode: 0,
		},
		{
			name:     "fractional exit code truncates",
			payload:  `{"action":"result","requestId":"r1","exitCode":2.9,"durationMs":7.5}`,
			exitCode: 2,
			duration: ptr64(7),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode([]byte(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got := decoded.(ResultMessage)
			if got.EffectiveExitCode() != tc.exitCode {
				t.Fatalf("exit code = %d, want %d", got.EffectiveExitCode(), tc.exitCode)
			}
			if got.Output != tc.output {
				t.Fatalf("output = %q, want %q", got.Output, tc.output)
			}
			if (got.Error != nil) != tc.hasErr {
				t.Fatalf("error presence = %v, want %v", got.Error != nil, tc.hasErr)
			}
			switch {
			case tc.duration == nil && got.DurationMS != nil:
				t.Fatalf("expected nil duration, got %d", *got.DurationMS)
			case tc.duration != nil && (got.DurationMS == nil || *got.DurationMS != *tc.duration):
				t.Fatalf("duration mismatch: %v", got.DurationMS)
			}
		})
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		payload string
		want    error
	}{
		{payload: `{"requestId":"r1"}`, want: ErrMissingAction},
		{payload: `{"action":"reboot"}`, want: ErrUnknownAction},
		{payload: `{"action":"result","output":"x"}`, want: ErrMissingRequestID},
		{payload: `{"action":"dispatch","command":"ls"}`, want: ErrMissingRequestID},
		{payload: `{"action":"hello","protocolVersion":1}`, want: ErrMissingNodeID},
		{payload: `{"action":"hello","nodeId":"n1","protocolVersion":9}`, want: ErrUnsupportedVersion},
		{payload: `{"action":"hello_ack","status":"maybe"}`, want: ErrInvalidAckStatus},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.payload)); !errors.Is(err, tc.want) {
			t.Fatalf("Decode(%s) err=%v, want %v", tc.payload, err, tc.want)
		}
	}
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatalf("expected syntax error")
	}
}

func TestDispatchAllowsEmptyCommand(t *testing.T) {
	decoded, err := Decode([]byte(`{"action":"dispatch","requestId":"r1","command":""}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.(DispatchMessage).Command != "" {
		t.Fatalf("expected empty command to pass through")
	}
}

func TestEncodeRejectsMismatchedAction(t *testing.T) {
	_, err := Encode(ResultMessage{Action: ActionDispatch, RequestID: "r1"})
	if !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ErrActionMismatch, got %v", err)
	}
	if _, err := Encode(NewHello("node.a", "host")); err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if _, err := Encode(NewHelloAck(false, "bad token")); err != nil {
		t.Fatalf("encode hello_ack: %v", err)
	}
}

func ptr64(v int64) *int64 { return &v }
