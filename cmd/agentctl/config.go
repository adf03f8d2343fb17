package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgecmd/internal/agent"
	"github.com/danmuck/edgecmd/internal/config"
)

func loadAgentConfig(path string) (agent.Config, error) {
	cfg := agent.DefaultConfig()

	var raw config.AgentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agent.Config{}, fmt.Errorf("load agent config: %w", err)
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("agent_token") {
		cfg.AgentToken = strings.TrimSpace(raw.AgentToken)
	}
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	if meta.IsDefined("default_shell") {
		cfg.DefaultShell = strings.TrimSpace(raw.DefaultShell)
	}
	if meta.IsDefined("max_output_bytes") {
		if raw.MaxOutputBytes <= 0 {
			return agent.Config{}, fmt.Errorf("load agent config: max_output_bytes must be positive")
		}
		cfg.MaxOutputBytes = raw.MaxOutputBytes
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return agent.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if cfg.NodeID == "" {
		return agent.Config{}, fmt.Errorf("load agent config: node_id is required")
	}
	if cfg.ServerURL == "" {
		return agent.Config{}, fmt.Errorf("load agent config: server_url is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}
