package api

import (
	"context"
	"fmt"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// OpsServer is the gRPC operations endpoint: aggregate and per-role health
// plus reflection for probe tooling. The remediation API itself is HTTP.
type OpsServer struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	listener   net.Listener
}

// NewOpsServer constructs the operations server bound to address. All health
// statuses start NOT_SERVING until SetServing is called.
func NewOpsServer(address string, opts ...grpc.ServerOption) (*OpsServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, role := range models.Roles() {
		healthSrv.SetServingStatus(roleService(role), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	// Enable server reflection so grpcurl and probe tools can inspect the endpoint.
	reflection.Register(grpcServer)

	return &OpsServer{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		listener:   lis,
	}, nil
}

// SetServing flips the aggregate and every per-role health status at once.
func (s *OpsServer) SetServing(serving bool) {
	s.healthSrv.SetServingStatus("", healthStatus(serving))
	for _, role := range models.Roles() {
		s.healthSrv.SetServingStatus(roleService(role), healthStatus(serving))
	}
}

// SetRoleServing flips one role's health status.
func (s *OpsServer) SetRoleServing(role models.Role, serving bool) {
	s.healthSrv.SetServingStatus(roleService(role), healthStatus(serving))
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *OpsServer) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop after the
// context expires.
func (s *OpsServer) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *OpsServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func roleService(role models.Role) string {
	return "mirador.remediate." + string(role)
}

func healthStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
