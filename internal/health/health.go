// Package health exposes the connection state of the broker supervisors
// through the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// StateSource is implemented by messaging.Supervisor.
type StateSource interface {
	State() messaging.State
	OnStateChange(fn func(messaging.State))
}

// Reporter maps supervisor states onto health statuses. Each tracked
// source is its own service name and the overall status ("") is SERVING
// only while every source is connected.
type Reporter struct {
	hs     *health.Server
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]messaging.State
}

func NewReporter(logger *slog.Logger) *Reporter {
	r := &Reporter{
		hs:     health.NewServer(),
		logger: logger,
		states: make(map[string]messaging.State),
	}
	r.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return r
}

// Track follows src under the given service name.
func (r *Reporter) Track(name string, src StateSource) {
	r.set(name, src.State())
	src.OnStateChange(func(st messaging.State) { r.set(name, st) })
}

func (r *Reporter) set(name string, st messaging.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[name] = st
	r.hs.SetServingStatus(name, status(st))

	overall := healthpb.HealthCheckResponse_SERVING
	for _, s := range r.states {
		if s != messaging.StateConnected {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	r.hs.SetServingStatus("", overall)
}

func status(st messaging.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == messaging.StateConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Register installs the health service on s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// Serve listens on addr until ctx is cancelled.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return r.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (r *Reporter) ServeListener(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	r.Register(s)

	errc := make(chan error, 1)
	go func() {
		r.logger.Info("grpc health listening", "addr", lis.Addr().String())
		errc <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		r.hs.Shutdown()
		s.GracefulStop()
		return nil
	case err := <-errc:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
