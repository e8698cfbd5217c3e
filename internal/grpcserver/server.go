// Package grpcserver exposes the standard gRPC health service. The overall
// status follows the process; DeviceService follows scanner readiness.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DeviceService is the health service name reporting scanner readiness.
const DeviceService = "fingerbridge.Device"

// DefaultPollInterval is how often readiness is re-evaluated.
const DefaultPollInterval = 2 * time.Second

// ReadinessFunc reports whether the scanner can take an operation.
type ReadinessFunc func() bool

// Server hosts the health service.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	ready      ReadinessFunc
	interval   time.Duration
	logger     *zap.Logger
}

// New listens on addr. A nil ready func reports the device as always serving.
func New(addr string, ready ReadinessFunc, interval time.Duration, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewWithListener(listener, ready, interval, logger), nil
}

// NewWithListener serves on an existing listener.
func NewWithListener(listener net.Listener, ready ReadinessFunc, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s := &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		ready:      ready,
		interval:   interval,
		logger:     logger.Named("grpc_health"),
	}
	s.refresh()
	return s
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx ends or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("health service listening", zap.String("addr", s.Addr()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpcServer.GracefulStop()
			return normalizeServeErr(<-serveErr)
		case err := <-serveErr:
			return normalizeServeErr(err)
		}
	}
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(DeviceService, status)
}

func normalizeServeErr(err error) error {
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC: %w", err)
}
