package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"cloudslave/internal/config"
	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
)

// PollerService is the health service name reporting whether the last
// reservation listing succeeded.
const PollerService = "cloudslave.Poller"

// Server runs the reservation poller and serves gRPC health checks.
type Server struct {
	cfg    config.ServerConfig
	poller *Poller
	health *health.Server
	grpc   *grpc.Server
}

// NewServer creates a Server polling the registry's reservations.
func NewServer(cfg config.ServerConfig, registry *manager.Registry) *Server {
	s := &Server{
		cfg:    cfg,
		poller: NewPoller(registry, cfg.PollInterval, cfg.PollWorkers),
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	s.poller.OnPoll = func(err error) {
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(PollerService, status)
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the poller and the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		s.poller.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	logging.Logger().Info("Starting gRPC server", zap.String("address", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	cancel()
	<-pollerDone
	if err != nil {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// Poller exposes the server's poller.
func (s *Server) Poller() *Poller {
	return s.poller
}
