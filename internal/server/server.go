// Package server hosts the control plane: the admin HTTP surface, the agent
// websocket endpoint, and the background correlator and sweeper loops.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/correlate"
	"github.com/danmuck/edgecmd/internal/dispatch"
	"github.com/danmuck/edgecmd/internal/observability"
	"github.com/danmuck/edgecmd/internal/registry"
	"github.com/danmuck/edgecmd/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyStarted = errors.New("server: already started")

const version = "0.1.0"

// Server wires the request store, registry, dispatcher, and correlator behind
// one gin engine.
type Server struct {
	cfg ServiceConfig

	store      *store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	correlator *correlate.Correlator
	admins     *auth.TokenTable
	agentAuth  auth.Validator

	router   *gin.Engine
	appeared time.Time

	startMu sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewServer(cfg ServiceConfig) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	id := cfg.ID

	// An empty agent token rejects every agent.
	s := &Server{
		cfg:       cfg,
		registry:  registry.New(),
		admins:    auth.NewTokenTable(cfg.Admins...),
		agentAuth: auth.StaticToken{Token: strings.TrimSpace(cfg.AgentToken)},
		appeared:  time.Now(),
	}
	s.store = store.New(cfg.HistoryLimit, store.WithEvictHook(func(ids []string) {
		observability.RecordEvictions(id, len(ids))
		log.Debug().Strs("request_ids", ids).Msg("server.Server store evicted")
	}))
	s.registry.OnChange(func(count int) {
		observability.SetAgentsConnected(id, count)
	})
	s.dispatcher = dispatch.New(s.store, s.registry, cfg.Dispatch,
		dispatch.WithOutcomeHook(func(_ string, status store.Status) {
			observability.RecordDispatchOutcome(id, string(status))
		}),
	)
	s.correlator = correlate.New(s.store, cfg.ResultQueueSize,
		correlate.WithApplyHook(func(c correlate.Correlation) {
			observability.RecordCorrelation(id, string(c))
		}),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Correlator() *correlate.Correlator {
	return s.correlator
}

// Start launches the correlator loop and, when enabled, the timeout sweeper.
// Both stop when ctx is cancelled; Wait blocks until they have.
func (s *Server) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.ctx != nil {
		return ErrAlreadyStarted
	}
	s.ctx = ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.correlator.Run(ctx); err != nil {
			log.Error().Err(err).Msg("server.Server correlator stopped")
		}
	}()
	if s.cfg.Sweep.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSweeper(ctx)
		}()
	}
	log.Info().
		Str("id", s.cfg.ID).
		Int("history_limit", s.cfg.HistoryLimit).
		Bool("sweep", s.cfg.Sweep.Enabled).
		Msg("server.Server started")
	return nil
}

func (s *Server) Wait() {
	s.wg.Wait()
}

// runContext returns the Start context, or Background before Start.
func (s *Server) runContext() context.Context {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sweep.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep promotes overdue dispatched targets to timed_out once.
func (s *Server) Sweep() []store.Expired {
	expired := s.store.ExpireDispatched(s.cfg.Sweep.Grace)
	if len(expired) == 0 {
		return nil
	}
	observability.RecordTimedOut(s.cfg.ID, len(expired))
	for _, e := range expired {
		log.Warn().
			Str("request_id", e.RequestID).
			Str("node_id", e.NodeID).
			Msg("server.Server.Sweep target timed out")
	}
	return expired
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.ID,
			"version":   version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.ID,
			"agents":    s.registry.Len(),
			"records":   s.store.Len(),
			"version":   version,
		})
	})

	api := s.router.Group("/api", s.resolvePrincipal)
	api.POST("/commands", s.handleSubmit)
	api.GET("/commands", s.handleList)
	api.GET("/commands/:id", s.handleGetResult)
	api.GET("/agents", s.handleAgents)
	api.GET("/admin", s.handleAdminAction)
	api.POST("/admin", s.handleAdminAction)

	s.router.GET("/ws/agent", s.handleAgentSocket)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
