package config

import (
	"fmt"
	"os"
)

func Template(kind string) (string, error) {
	switch normalizeKind(kind) {
	case KindDispatch:
		return dispatchTemplate, nil
	case KindAgent:
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// DefaultPath is where each binary looks for its config by default.
func DefaultPath(kind string) (string, error) {
	switch normalizeKind(kind) {
	case KindDispatch:
		return "cmd/dispatchctl/config.toml", nil
	case KindAgent:
		return "cmd/agentctl/config.toml", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const dispatchTemplate = `id = "dispatch.local"
addr = ":9100"
history_limit = 50
default_timeout_seconds = 60
dispatch_send_timeout = "5s"
dispatch_parallelism = 16
result_queue_size = 256
sweep_enabled = false
sweep_interval = "30s"
sweep_grace = "10s"
agent_token = "temp-agent-token"
cors_origins = ["http://localhost:3000"]
heartbeat_interval = "15s"
read_timeout = "45s"
write_timeout = "10s"

[[admins]]
name = "root"
token = "temp-admin-token"
site_admin = true
`

const agentTemplate = `node_id = "node.local"
server_url = "http://localhost:9100"
agent_token = "temp-agent-token"
default_shell = ""
max_output_bytes = 8388608
connect_timeout = "5s"
max_connect_attempts = 0
backoff_initial = "250ms"
backoff_max = "30s"
backoff_multiplier = 2.0
backoff_jitter = true
`
