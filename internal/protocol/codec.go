package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// Encode validates and marshals one typed message.
func Encode(msg any) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses one frame into its typed message.
//
// Result frames are decoded leniently: a non-numeric exit code falls back to
// code and then 0, non-string output becomes empty, an empty error is nil,
// and durationMs falls back to duration.
func Decode(payload []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(env.Action)) == "" {
		return nil, ErrMissingAction
	}

	var msg any
	switch env.Action {
	case ActionHello:
		var m HelloMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case ActionHelloAck:
		var m HelloAckMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case ActionDispatch:
		var m DispatchMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case ActionResult:
		m, err := decodeResult(payload)
		if err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, ErrUnknownAction
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

type resultWire struct {
	Action     Action          `json:"action"`
	RequestID  string          `json:"requestId"`
	NodeID     string          `json:"nodeId"`
	ExitCode   json.RawMessage `json:"exitCode"`
	Code       json.RawMessage `json:"code"`
	Output     json.RawMessage `json:"output"`
	Error      json.RawMessage `json:"error"`
	DurationMS json.RawMessage `json:"durationMs"`
	Duration   json.RawMessage `json:"duration"`
	Shell      string          `json:"shell"`
	Command    string          `json:"command"`
	Meta       *Meta           `json:"meta"`
}

func decodeResult(payload []byte) (ResultMessage, error) {
	var w resultWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return ResultMessage{}, err
	}
	out := ResultMessage{
		Action:    w.Action,
		RequestID: strings.TrimSpace(w.RequestID),
		NodeID:    strings.TrimSpace(w.NodeID),
		ExitCode:  rawInt(w.ExitCode),
		Code:      rawInt(w.Code),
		Output:    rawString(w.Output),
		Shell:     w.Shell,
		Command:   w.Command,
		Meta:      w.Meta,
	}
	if errText := rawString(w.Error); errText != "" {
		out.Error = &errText
	}
	d := rawInt64(w.DurationMS)
	if d == nil {
		d = rawInt64(w.Duration)
	}
	out.DurationMS = d
	return out, nil
}

// maxExactFloat is the largest integer a float64 holds exactly.
const maxExactFloat = 1 << 53

// rawInt reads a JSON number as an exit code. Non-numbers and values outside
// the int32 range are absent.
func rawInt(raw json.RawMessage) *int {
	f, ok := rawNumber(raw, math.MinInt32, math.MaxInt32)
	if !ok {
		return nil
	}
	v := int(f)
	return &v
}

// rawInt64 reads a JSON number as milliseconds. Values a float64 cannot hold
// exactly are absent.
func rawInt64(raw json.RawMessage) *int64 {
	f, ok := rawNumber(raw, -maxExactFloat, maxExactFloat)
	if !ok {
		return nil
	}
	v := int64(f)
	return &v
}

func rawNumber(raw json.RawMessage, lo, hi float64) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < lo || f > hi {
		return 0, false
	}
	return math.Trunc(f), true
}

func rawString(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
