// Package grpcserver runs a gRPC server exposing standard health and
// reflection services alongside the HTTP+JSON data plane (internal/rpc),
// so an operator or orchestrator can probe liveness over gRPC without a
// custom protobuf service definition.
//
// Grounded on the teacher's internal/grpc/server.go (Start/Stop lifecycle,
// an embedded net/http router served alongside the gRPC server).
package grpcserver

import (
	"fmt"
	"net"

	"github.com/oriys/novaisolate/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps a grpc.Server whose only registered services are health and
// reflection. There is no worker-runtime RPC service defined over gRPC —
// spawn/fetch/list/terminate/load all live on the HTTP+JSON data plane
// (internal/rpc); this server exists purely so something that expects a
// gRPC health check (a kubelet gRPC probe, a service mesh) has one to call.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New constructs a Server, initially reporting SERVING.
func New() *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{grpc: gs, health: hs}
}

// Start listens on addr and serves in a background goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcserver: listen %s: %w", addr, err)
	}

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			logging.Op().Error("grpc server stopped", "error", err)
		}
	}()
	logging.Op().Info("grpc server started", "addr", addr)
	return nil
}

// SetNotServing flips the health status, used during graceful shutdown so
// a load balancer stops routing new traffic before connections are torn
// down.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Stop gracefully stops the gRPC server, waiting for in-flight RPCs (the
// health checks themselves) to finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
