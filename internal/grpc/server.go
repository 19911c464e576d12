package grpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the claim store.
const ServiceName = "claim.v1.CartClaim"

// Pinger reports whether the claim store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor keeps the gRPC health status in line with the store.
type HealthMonitor struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthMonitor(store Pinger, interval time.Duration, log *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		log:      log,
	}
}

// NewServer builds a gRPC server exposing health and reflection.
func NewServer(monitor *HealthMonitor) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, monitor.health)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(srv)
	return srv
}

// Start checks the store once and then on every interval until Stop.
func (m *HealthMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.check(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

func (m *HealthMonitor) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := m.store.Ping(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		m.log.Warn("claim store ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
}

// Stop ends the polling loop and marks every service as not serving.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.health.Shutdown()
}
