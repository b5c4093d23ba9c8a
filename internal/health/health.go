// Package health serves the standard gRPC health protocol for the engine and
// probes remote health endpoints.
package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported alongside the overall status.
const Service = "shardviz.Engine"

// Server reports SERVING while the last graph refresh succeeded.
type Server struct {
	hs      *grpchealth.Server
	gs      *grpc.Server
	serving atomic.Bool
}

// NewServer starts in NOT_SERVING until the first successful refresh.
func NewServer() *Server {
	s := &Server{hs: grpchealth.NewServer(), gs: grpc.NewServer()}
	healthpb.RegisterHealthServer(s.gs, s.hs)
	s.SetServing(false)
	return s
}

// SetServing updates the reported status. Changes are logged.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if prev := s.serving.Swap(ok); prev != ok {
		slog.Info("Health status changed", "status", status.String())
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// ObserveRefresh marks the engine healthy when a refresh succeeds.
func (s *Server) ObserveRefresh(_ int, err error) {
	s.SetServing(err == nil)
}

// Serve accepts health checks on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener accepts health checks on lis until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.hs.Shutdown()
		s.gs.GracefulStop()
	}()

	slog.Info("Serving gRPC health", "addr", lis.Addr().String())
	if err := s.gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Check queries the health endpoint at addr for service and returns its status.
func Check(ctx context.Context, addr, service string, useTLS bool, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to create gRPC client for %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
