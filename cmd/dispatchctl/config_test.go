package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgecmd/internal/server"
	"github.com/danmuck/edgecmd/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
id = "dispatch.alpha"
addr = "127.0.0.1:9200"
history_limit = 10
default_timeout_seconds = 30
dispatch_send_timeout = "2s"
dispatch_parallelism = 4
sweep_enabled = true
sweep_interval = "5s"
sweep_grace = "1s"
agent_token = " agent-secret "
cors_origins = ["http://ops.local", " "]
heartbeat_interval = "10s"
read_timeout = "60s"

[[admins]]
name = "root"
token = "root-token"
site_admin = true

[[admins]]
name = "viewer"
token = "viewer-token"
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "dispatch.alpha" || cfg.Addr != "127.0.0.1:9200" {
		t.Fatalf("unexpected identity: %q %q", cfg.ID, cfg.Addr)
	}
	if cfg.HistoryLimit != 10 || cfg.Dispatch.DefaultTimeoutSeconds != 30 || cfg.Dispatch.Parallelism != 4 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.Dispatch.SendTimeout != 2*time.Second {
		t.Fatalf("unexpected send timeout: %v", cfg.Dispatch.SendTimeout)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.Interval != 5*time.Second || cfg.Sweep.Grace != time.Second {
		t.Fatalf("unexpected sweep: %+v", cfg.Sweep)
	}
	if cfg.AgentToken != "agent-secret" {
		t.Fatalf("unexpected agent token: %q", cfg.AgentToken)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://ops.local" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Second || cfg.Session.ReadTimeout != 60*time.Second {
		t.Fatalf("unexpected session: %+v", cfg.Session)
	}
	if len(cfg.Admins) != 2 || !cfg.Admins[0].Principal.SiteAdmin || cfg.Admins[1].Principal.SiteAdmin {
		t.Fatalf("unexpected admins: %+v", cfg.Admins)
	}
	if cfg.ResultQueueSize != server.DefaultServiceConfig().ResultQueueSize {
		t.Fatalf("expected default result queue size, got %d", cfg.ResultQueueSize)
	}
}

func TestLoadServiceConfigEmptyFileKeepsDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := server.DefaultServiceConfig().WithDefaults()
	if cfg.ID != def.ID || cfg.Addr != def.Addr || cfg.HistoryLimit != def.HistoryLimit {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Sweep.Enabled {
		t.Fatalf("sweep must be off by default")
	}
}

func TestLoadServiceConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	for name, content := range map[string]string{
		"duration":      `sweep_interval = "soon"`,
		"history limit": `history_limit = 0`,
		"admin token":   "[[admins]]\nname = \"root\"\nsite_admin = true\n",
		"syntax":        `id = `,
	} {
		if _, err := loadServiceConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
