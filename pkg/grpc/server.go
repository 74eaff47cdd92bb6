// Package grpc exposes the ledger's liveness over the standard gRPC health
// protocol.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/luxfi/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the ledger.
const ServiceName = "lux.perps.Ledger"

// Checker reports whether the ledger can serve requests.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Server keeps the gRPC health status in step with the ledger
type Server struct {
	health   *health.Server
	checker  Checker
	logger   log.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewServer creates a health server probing checker every interval
func NewServer(checker Checker, logger log.Logger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		health:   health.NewServer(),
		checker:  checker,
		logger:   logger,
		interval: interval,
		timeout:  interval / 2,
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register installs the health and reflection services on gs.
func (s *Server) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	reflection.Register(gs)
}

// Probe runs one health check and publishes its outcome.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.HealthCheck(ctx); err != nil {
		s.logger.Warn("Ledger health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
	return status
}

// Watch probes until ctx is done, then marks the service as shutting down.
func (s *Server) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// StartGRPCServer starts the gRPC server
func StartGRPCServer(ctx context.Context, port int, checker Checker, logger log.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	server := NewServer(checker, logger, 0)
	server.Register(grpcServer)
	go server.Watch(ctx)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logger.Info("gRPC server started", "port", port)
	return grpcServer.Serve(lis)
}
