package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func newClient(t *testing.T, hs *health.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestCheckStatus(t *testing.T) {
	hs := health.NewServer()
	hs.SetServingStatus("org.example.db", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("org.example.app", healthpb.HealthCheckResponse_NOT_SERVING)
	c := newClient(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	code, err := checkStatus(ctx, c, "org.example.db", &out)
	if err != nil || code != 0 {
		t.Fatalf("expected SERVING with exit 0, got %d, %v", code, err)
	}
	if !strings.Contains(out.String(), `"SERVING"`) {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	if code, _ := checkStatus(ctx, c, "org.example.app", &out); code != 1 {
		t.Fatalf("expected exit 1 for NOT_SERVING, got %d", code)
	}
	if !strings.Contains(out.String(), `"NOT_SERVING"`) {
		t.Fatalf("unexpected output %q", out.String())
	}

	if code, err := checkStatus(ctx, c, "org.example.missing", &out); code != 2 || err == nil {
		t.Fatalf("expected exit 2 for an unknown service, got %d, %v", code, err)
	}
}

func TestWatchStatus(t *testing.T) {
	hs := health.NewServer()
	hs.SetServingStatus("org.example.db", healthpb.HealthCheckResponse_NOT_SERVING)
	c := newClient(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, w := newLineWriter()
	done := make(chan error, 1)
	go func() { done <- watchStatus(ctx, c, "org.example.db", w) }()

	if line := <-r; !strings.Contains(line, "NOT_SERVING") {
		t.Fatalf("unexpected first update %q", line)
	}
	hs.SetServingStatus("org.example.db", healthpb.HealthCheckResponse_SERVING)
	if line := <-r; !strings.Contains(line, `"SERVING"`) {
		t.Fatalf("unexpected second update %q", line)
	}
	cancel()
	<-done
}

// lineWriter hands every Write to a channel.
type lineWriter chan string

func newLineWriter() (<-chan string, lineWriter) {
	ch := make(lineWriter, 8)
	return ch, ch
}

func (l lineWriter) Write(p []byte) (int, error) {
	l <- string(p)
	return len(p), nil
}
