package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSettleTracker(t *testing.T) {
	s := newSettleTracker()
	if !s.settled() {
		t.Fatalf("new tracker should be settled")
	}
	s.add(0)
	if !s.settled() {
		t.Fatalf("add(0) must not unsettle")
	}

	s.add(2)
	idle := s.wait()
	if s.settled() {
		t.Fatalf("expected outstanding work")
	}
	s.add(-1)
	select {
	case <-idle:
		t.Fatalf("idle closed with work outstanding")
	default:
	}
	s.add(-1)
	select {
	case <-idle:
	default:
		t.Fatalf("idle should be closed once the count reaches zero")
	}
}

func TestSettleTrackerPanicsWhenNegative(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	newSettleTracker().add(-1)
}

func TestRunBodyRecoversPanics(t *testing.T) {
	err := runBody(context.Background(), func(context.Context) error { panic("kaboom") })
	if err == nil || err.Error() != "panic: kaboom" {
		t.Fatalf("unexpected error %v", err)
	}
	if err := runBody(context.Background(), nil); err != nil {
		t.Fatalf("nil body should succeed, got %v", err)
	}
}

func TestStaleCompletionIsDropped(t *testing.T) {
	metrics := NewMetrics()
	ct := newTestContainerWith(t, Options{Metrics: metrics})
	ctx := testContext(t)

	b := ct.NewBatch()
	b.AddService(MustParseName("a"), ModeActive)
	res, err := b.Install(ctx)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := res.Service(MustParseName("a")).AwaitUp(ctx); err != nil {
		t.Fatalf("AwaitUp: %v", err)
	}

	c := res.Service(MustParseName("a")).c
	ct.sched.post(c, message{kind: msgTaskDone, task: taskStop, gen: 0})
	settle(t, ct)

	if got := testutil.ToFloat64(metrics.staleTransitions); got != 1 {
		t.Fatalf("expected one stale transition, got %v", got)
	}
	requireState(t, ct, "a", StateUp)
}

func TestMetricsTrackTransitions(t *testing.T) {
	metrics := NewMetrics()
	ct := newTestContainerWith(t, Options{Metrics: metrics})
	ctx := testContext(t)

	b := ct.NewBatch()
	b.AddService(MustParseName("ok"), ModeActive)
	b.AddService(MustParseName("bad"), ModeActive).SetRunnable(func(context.Context) error { return errBoom }, nil)
	if _, err := b.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	settle(t, ct)

	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("STARTING")); got != 2 {
		t.Fatalf("expected 2 transitions to STARTING, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("UP")); got != 1 {
		t.Fatalf("expected 1 transition to UP, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.startFailures); got != 1 {
		t.Fatalf("expected 1 start failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.services.WithLabelValues("FAILED")); got != 1 {
		t.Fatalf("expected 1 FAILED service, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.services.WithLabelValues("DOWN")); got != 0 {
		t.Fatalf("expected no DOWN service, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.tasksInFlight); got != 0 {
		t.Fatalf("expected no task in flight, got %v", got)
	}
}

func TestStopFailureStillReachesDown(t *testing.T) {
	metrics := NewMetrics()
	ct := newTestContainerWith(t, Options{Metrics: metrics})
	ctx := testContext(t)

	b := ct.NewBatch()
	b.AddService(MustParseName("leaky"), ModeOnDemand).SetRunnable(nil, func(context.Context) error { return errBoom })
	b.AddService(MustParseName("user"), ModeActive).Requires(MustParseName("leaky"))
	if _, err := b.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	settle(t, ct)
	requireState(t, ct, "leaky", StateUp)

	if !ct.Remove(MustParseName("user")) {
		t.Fatalf("Remove reported unknown service")
	}
	settle(t, ct)
	requireState(t, ct, "leaky", StateDown)
	if got := testutil.ToFloat64(metrics.stopFailures); got != 1 {
		t.Fatalf("expected 1 stop failure, got %v", got)
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(reg); err != nil {
		t.Fatalf("second Register should be tolerated: %v", err)
	}
	m.observeCreated()
	n, err := testutil.GatherAndCount(reg, "servicegraph_services")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one servicegraph_services series, got %d", n)
	}
}

func TestTaskSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ct := newTestContainerWith(t, Options{Tracer: tp.Tracer("test")})
	ctx := testContext(t)

	b := ct.NewBatch()
	b.AddService(MustParseName("traced"), ModeActive).SetRunnable(func(context.Context) error {
		return errors.New("no database")
	}, nil)
	if _, err := b.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	settle(t, ct)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "servicegraph.start" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", span.Status())
	}
	found := false
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "traced" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service.name attribute missing: %v", span.Attributes())
	}
}
