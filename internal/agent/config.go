package agent

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/edgecmd/internal/protocol/session"
	"github.com/danmuck/edgecmd/internal/tools"
)

var (
	ErrNodeIDRequired    = errors.New("agent: node_id required")
	ErrServerURLRequired = errors.New("agent: server_url required")
	ErrUnsupportedScheme = errors.New("agent: unsupported server_url scheme")
)

const agentPath = "/ws/agent"

// Config is the remote executor runtime configuration.
type Config struct {
	NodeID     string
	ServerURL  string
	AgentToken string
	Hostname   string

	DefaultShell   string
	MaxOutputBytes int

	// MaxConnectAttempts bounds consecutive failed connects; 0 retries forever.
	MaxConnectAttempts int
	OutboxLimit        int
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		MaxOutputBytes: tools.DefaultMaxOutputBytes,
		OutboxLimit:    256,
		Session:        session.DefaultConfig(),
	}
}

func (c Config) validate() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		return c, ErrNodeIDRequired
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return c, ErrServerURLRequired
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = tools.DefaultMaxOutputBytes
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = DefaultConfig().OutboxLimit
	}
	c.Session = c.Session.WithDefaults()
	return c, nil
}

// socketURL maps an http(s) or ws(s) base URL onto the agent endpoint.
func socketURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, agentPath) {
		path += agentPath
	}
	parsed.Path = path
	parsed.RawPath = ""
	return parsed.String(), nil
}
