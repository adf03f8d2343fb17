package server

import (
	"strings"
	"time"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/correlate"
	"github.com/danmuck/edgecmd/internal/dispatch"
	"github.com/danmuck/edgecmd/internal/protocol/session"
	"github.com/danmuck/edgecmd/internal/store"
)

// SweepConfig controls promotion of dispatched targets that never reported.
type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
	// Grace is added to the request timeout before a target is timed out.
	Grace time.Duration
}

// ServiceConfig is the control-plane runtime configuration.
type ServiceConfig struct {
	ID              string
	Addr            string
	HistoryLimit    int
	ResultQueueSize int
	Dispatch        dispatch.Config
	Sweep           SweepConfig
	AgentToken      string
	Admins          []auth.Credential
	CORSOrigins     []string
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:              "dispatch.local",
		Addr:            ":9100",
		HistoryLimit:    store.DefaultHistoryLimit,
		ResultQueueSize: correlate.DefaultQueueSize,
		Dispatch:        dispatch.DefaultConfig(),
		Sweep: SweepConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Grace:    10 * time.Second,
		},
		Session: session.DefaultConfig(),
	}
}

// WithDefaults fills zero-valued fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = def.ID
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.ResultQueueSize <= 0 {
		c.ResultQueueSize = def.ResultQueueSize
	}
	if c.Dispatch.DefaultTimeoutSeconds <= 0 {
		c.Dispatch.DefaultTimeoutSeconds = def.Dispatch.DefaultTimeoutSeconds
	}
	if c.Dispatch.SendTimeout <= 0 {
		c.Dispatch.SendTimeout = def.Dispatch.SendTimeout
	}
	if c.Dispatch.Parallelism <= 0 {
		c.Dispatch.Parallelism = def.Dispatch.Parallelism
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = def.Sweep.Interval
	}
	if c.Sweep.Grace < 0 {
		c.Sweep.Grace = 0
	}
	c.Session = c.Session.WithDefaults()
	return c
}
