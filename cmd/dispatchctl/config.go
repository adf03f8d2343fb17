package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/config"
	"github.com/danmuck/edgecmd/internal/server"
)

// loadServiceConfig overlays config.toml onto the control-plane defaults.
func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw config.DispatchFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load dispatch config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("history_limit") {
		if raw.HistoryLimit <= 0 {
			return server.ServiceConfig{}, fmt.Errorf("load dispatch config: history_limit must be positive")
		}
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("default_timeout_seconds") {
		cfg.Dispatch.DefaultTimeoutSeconds = raw.DefaultTimeoutSeconds
	}
	if meta.IsDefined("dispatch_parallelism") {
		cfg.Dispatch.Parallelism = raw.DispatchParallelism
	}
	if meta.IsDefined("result_queue_size") {
		cfg.ResultQueueSize = raw.ResultQueueSize
	}
	if meta.IsDefined("sweep_enabled") {
		cfg.Sweep.Enabled = raw.SweepEnabled
	}
	if meta.IsDefined("agent_token") {
		cfg.AgentToken = strings.TrimSpace(raw.AgentToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = trimAll(raw.CORSOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dispatch_send_timeout", raw.DispatchSendTimeout, &cfg.Dispatch.SendTimeout},
		{"sweep_interval", raw.SweepInterval, &cfg.Sweep.Interval},
		{"sweep_grace", raw.SweepGrace, &cfg.Sweep.Grace},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("admins") {
		cfg.Admins = make([]auth.Credential, 0, len(raw.Admins))
		for i, admin := range raw.Admins {
			token := strings.TrimSpace(admin.Token)
			if token == "" {
				return server.ServiceConfig{}, fmt.Errorf("load dispatch config: admins[%d] token is required", i)
			}
			cfg.Admins = append(cfg.Admins, auth.Credential{
				Token: token,
				Principal: auth.Principal{
					Name:      strings.TrimSpace(admin.Name),
					SiteAdmin: admin.SiteAdmin,
				},
			})
		}
	}

	return cfg.WithDefaults(), nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
