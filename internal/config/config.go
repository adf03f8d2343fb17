// Package config holds the on-disk TOML schemas for dispatchctl and agentctl,
// their templates, and a strict linter that rejects unknown keys.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrUnknownKind = errors.New("config: unknown kind")

const (
	KindDispatch = "dispatch"
	KindAgent    = "agent"
)

// DispatchFile is the dispatchctl config.toml schema.
type DispatchFile struct {
	ID                    string       `toml:"id"`
	Addr                  string       `toml:"addr"`
	HistoryLimit          int          `toml:"history_limit"`
	DefaultTimeoutSeconds int          `toml:"default_timeout_seconds"`
	DispatchSendTimeout   string       `toml:"dispatch_send_timeout"`
	DispatchParallelism   int          `toml:"dispatch_parallelism"`
	ResultQueueSize       int          `toml:"result_queue_size"`
	SweepEnabled          bool         `toml:"sweep_enabled"`
	SweepInterval         string       `toml:"sweep_interval"`
	SweepGrace            string       `toml:"sweep_grace"`
	AgentToken            string       `toml:"agent_token"`
	CORSOrigins           []string     `toml:"cors_origins"`
	HeartbeatInterval     string       `toml:"heartbeat_interval"`
	ReadTimeout           string       `toml:"read_timeout"`
	WriteTimeout          string       `toml:"write_timeout"`
	Admins                []AdminEntry `toml:"admins"`
}

type AdminEntry struct {
	Name      string `toml:"name"`
	Token     string `toml:"token"`
	SiteAdmin bool   `toml:"site_admin"`
}

// AgentFile is the agentctl config.toml schema.
type AgentFile struct {
	NodeID             string  `toml:"node_id"`
	ServerURL          string  `toml:"server_url"`
	AgentToken         string  `toml:"agent_token"`
	Hostname           string  `toml:"hostname"`
	DefaultShell       string  `toml:"default_shell"`
	MaxOutputBytes     int     `toml:"max_output_bytes"`
	ConnectTimeout     string  `toml:"connect_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	BackoffInitial     string  `toml:"backoff_initial"`
	BackoffMax         string  `toml:"backoff_max"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
}

// Lint strictly decodes the file at path as kind. Unknown keys, unparsable
// durations, and missing required fields are errors.
func Lint(path, kind string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch normalizeKind(kind) {
	case KindDispatch:
		var f DispatchFile
		if err := decodeStrict(data, &f); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return f.Validate()
	case KindAgent:
		var f AgentFile
		if err := decodeStrict(data, &f); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return f.Validate()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func decodeStrict(data []byte, out any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(out)
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		return errors.New(strings.TrimSpace(strict.String()))
	}
	return err
}

func (f DispatchFile) Validate() error {
	if err := checkDurations(map[string]string{
		"dispatch_send_timeout": f.DispatchSendTimeout,
		"sweep_interval":        f.SweepInterval,
		"sweep_grace":           f.SweepGrace,
		"heartbeat_interval":    f.HeartbeatInterval,
		"read_timeout":          f.ReadTimeout,
		"write_timeout":         f.WriteTimeout,
	}); err != nil {
		return err
	}
	if f.HistoryLimit < 0 {
		return fmt.Errorf("dispatch config history_limit must not be negative")
	}
	for i, admin := range f.Admins {
		if strings.TrimSpace(admin.Token) == "" {
			return fmt.Errorf("admins[%d] invalid: token is required", i)
		}
	}
	return nil
}

func (f AgentFile) Validate() error {
	if strings.TrimSpace(f.NodeID) == "" {
		return fmt.Errorf("agent config missing node_id")
	}
	if strings.TrimSpace(f.ServerURL) == "" {
		return fmt.Errorf("agent config missing server_url")
	}
	if f.MaxOutputBytes < 0 {
		return fmt.Errorf("agent config max_output_bytes must not be negative")
	}
	return checkDurations(map[string]string{
		"connect_timeout": f.ConnectTimeout,
		"backoff_initial": f.BackoffInitial,
		"backoff_max":     f.BackoffMax,
	})
}

// checkDurations ignores empty values; they fall back to defaults at load.
func checkDurations(fields map[string]string) error {
	for key, raw := range fields {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
	}
	return nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
