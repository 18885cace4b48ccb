// Package healthgrpc publishes engine service states through the standard
// gRPC health checking protocol. Each engine service is a health service
// named after it; the empty name reports the graph as a whole.
package healthgrpc

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/anvil-platform/servicegraph/engine"
)

// Publisher mirrors engine transitions into a health.Server.
type Publisher struct {
	health *health.Server

	mu     sync.Mutex
	failed map[engine.Name]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{health: health.NewServer(), failed: make(map[engine.Name]struct{})}
}

// ServingStatus maps an engine state onto the health protocol.
func ServingStatus(s engine.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case engine.StateUp:
		return healthpb.HealthCheckResponse_SERVING
	case engine.StateRemoved:
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Observe is an engine.Listener.
func (p *Publisher) Observe(ev engine.Event) {
	p.set(ev.Name, ev.To)
}

// Refresh loads every service from a snapshot, e.g. right after the
// publisher is attached to a container that already has services.
func (p *Publisher) Refresh(snapshot []engine.ServiceStatus) {
	for _, st := range snapshot {
		p.set(st.Name, st.State)
	}
}

func (p *Publisher) set(name engine.Name, s engine.State) {
	p.health.SetServingStatus(name.String(), ServingStatus(s))

	p.mu.Lock()
	defer p.mu.Unlock()
	if s == engine.StateFailed {
		p.failed[name] = struct{}{}
	} else {
		delete(p.failed, name)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if len(p.failed) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus("", overall)
}

// Attach registers the publisher on ct and seeds it with ct's services.
func (p *Publisher) Attach(ct *engine.Container) {
	ct.AddListener(p.Observe)
	p.Refresh(ct.Snapshot())
	p.mu.Lock()
	empty := len(p.failed) == 0
	p.mu.Unlock()
	if empty {
		p.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

func (p *Publisher) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, p.health)
}

// Shutdown reports NOT_SERVING for everything and ignores later updates.
func (p *Publisher) Shutdown() {
	p.health.Shutdown()
}

// Serve runs a gRPC server carrying only the health service until ctx ends.
func Serve(ctx context.Context, lis net.Listener, p *Publisher, log logr.Logger) error {
	srv := grpc.NewServer()
	p.Register(srv)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	log.Info("serving grpc health", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		p.Shutdown()
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
