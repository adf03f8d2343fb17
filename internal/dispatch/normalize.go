package dispatch

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/danmuck/edgecmd/internal/protocol"
)

const DefaultTimeoutSeconds = 60

// SubmitRequest is one admin submission before normalization.
// Nodes and Timeout keep their decoded JSON shape.
type SubmitRequest struct {
	Command string
	Nodes   any
	Shell   string
	Timeout any
	Comment string
}

// RequestFromBody maps a decoded JSON body onto a SubmitRequest, honoring the
// cmd alias for command and the node/targets aliases for nodes.
func RequestFromBody(body map[string]any) SubmitRequest {
	req := SubmitRequest{
		Command: stringField(body, "command"),
		Shell:   stringField(body, "shell"),
		Timeout: body["timeout"],
		Comment: commentField(body),
	}
	if strings.TrimSpace(req.Command) == "" {
		req.Command = stringField(body, "cmd")
	}
	for _, key := range []string{"nodes", "node", "targets"} {
		if v, ok := body[key]; ok && present(v) {
			req.Nodes = v
			break
		}
	}
	return req
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

// commentField keeps any truthy comment. Scalars are stringified; objects and
// arrays keep their JSON text.
func commentField(body map[string]any) string {
	v := body["comment"]
	if !present(v) {
		return ""
	}
	if s := scalarString(v); s != "" {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func present(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case bool:
		return typed
	case float64:
		return typed != 0 && !math.IsNaN(typed)
	default:
		return true
	}
}

// NormalizeNodes accepts a list or a comma-delimited string and returns the
// trimmed, non-empty, de-duplicated target ids in first-occurrence order.
func NormalizeNodes(v any) []string {
	var raw []string
	switch typed := v.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(typed, ",")
	case []string:
		raw = typed
	case []any:
		raw = make([]string, 0, len(typed))
		for _, entry := range typed {
			raw = append(raw, scalarString(entry))
		}
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		id := strings.TrimSpace(entry)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func scalarString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

// NormalizeShell keeps any non-empty shell verbatim, else "auto".
func NormalizeShell(shell string) string {
	if shell == "" {
		return protocol.ShellAuto
	}
	return shell
}

// NormalizeTimeout converts a numeric or numeric-string timeout to whole
// seconds. Missing, non-numeric, zero, or negative values become def.
func NormalizeTimeout(v any, def int) int {
	if def <= 0 {
		def = DefaultTimeoutSeconds
	}
	var f float64
	switch typed := v.(type) {
	case float64:
		f = typed
	case int:
		f = float64(typed)
	case int64:
		f = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return def
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return def
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return max(1, int(f))
}
