// Package health serves the standard gRPC health service for the cleanup worker. A probe loop flips
// the status between SERVING and NOT_SERVING as the account store becomes reachable or not.
package health

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name the worker reports under, besides the overall ("") status.
const ServiceName = "membership.cleanup"

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	probe    Probe
	interval time.Duration
	logger   *zap.Logger
}

// NewServer builds the health server. A nil probe always reports SERVING.
func NewServer(probe Probe, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, probe: probe, interval: interval, logger: logger}
}

// Serve probes once, then serves on lis until ctx is cancelled, re-probing every interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.check(ctx)
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-t.C:
				s.check(ctx)
			}
		}
	}()
	return s.grpc.Serve(lis)
}

func (s *Server) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.probe(pctx)
		cancel()
		if err != nil {
			s.logger.Warn("health: probe failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
