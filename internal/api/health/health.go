// Package health exposes node liveness over the standard gRPC health
// protocol. The service name of a node is "node/<id>"; the empty name
// reports the whole bus.
package health

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

type Server struct {
	health *grpchealth.Server
	grpc   *grpc.Server
	logger *zap.Logger
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		health: grpchealth.NewServer(),
		grpc:   grpc.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// ServiceName is the health service name of a node.
func ServiceName(id protocol.NodeID) string {
	return id.String()
}

// SetNode updates the serving status of one node.
func (s *Server) SetNode(id protocol.NodeID, alive bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if alive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(id), status)
}

// SetBus sets the status of the empty service name.
func (s *Server) SetBus(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Start listens on port and serves in the background.
func (s *Server) Start(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop marks everything NOT_SERVING and stops gracefully unless ctx
// expires first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
