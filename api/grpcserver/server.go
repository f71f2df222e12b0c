// Package grpcserver serves worker health over the standard gRPC health
// checking protocol. Every instrument is its own service, named
// "recon.instrument/<SYMBOL>"; the empty service name reports the process.
package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"recon/service/router"
)

const servicePrefix = "recon.instrument/"

// ServiceName is the health service checked for one instrument.
func ServiceName(instrument string) string { return servicePrefix + instrument }

// HealthSource is polled for worker health.
type HealthSource interface {
	Health() []router.Health
}

type Config struct {
	// StaleAfter marks a running worker unhealthy when its heartbeat is
	// older than this. Zero disables the check.
	StaleAfter time.Duration
	Interval   time.Duration
}

// Server adapts router health to gRPC.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger, opts ...grpc.ServerOption) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    log.With().Str("component", "grpc").Logger(),
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Update publishes one worker's health. It may be used as the router's
// OnHealth callback.
func (s *Server) Update(h router.Health) {
	st := s.status(h, time.Now())
	s.health.SetServingStatus(ServiceName(h.Instrument), st)
	s.log.Debug().
		Str("instrument", h.Instrument).
		Str("state", h.State.String()).
		Str("status", st.String()).
		Msg("health updated")
}

func (s *Server) status(h router.Health, now time.Time) healthpb.HealthCheckResponse_ServingStatus {
	if h.State != router.Running {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if s.cfg.StaleAfter > 0 && !h.Heartbeat.IsZero() && now.Sub(h.Heartbeat) > s.cfg.StaleAfter {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh re-evaluates every worker. The process is SERVING while at least
// one instrument is.
func (s *Server) Refresh(src HealthSource) {
	now := time.Now()
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	for _, h := range src.Health() {
		st := s.status(h, now)
		s.health.SetServingStatus(ServiceName(h.Instrument), st)
		if st == healthpb.HealthCheckResponse_SERVING {
			overall = st
		}
	}
	s.health.SetServingStatus("", overall)
}

// Monitor refreshes health every Interval until ctx is done.
func (s *Server) Monitor(ctx context.Context, src HealthSource) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	s.Refresh(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(src)
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("health server listening")
	return s.srv.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
