package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Service is the control-plane process runtime.
type Service struct {
	cfg    ServiceConfig
	server *Server
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		cfg:    cfg,
		server: NewServer(cfg),
	}
}

func (s *Service) Server() *Server {
	return s.server
}

// Run listens on the configured address and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	log.Warn().Str("addr", ln.Addr().String()).Str("id", s.cfg.ID).Msg("server.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP surface on ln until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           s.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		// Background loops stop with ctx, owned by the caller.
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	<-serveErr
	s.server.Wait()
	log.Warn().Str("id", s.cfg.ID).Msg("server.Service.Serve stopped")
	return err
}
