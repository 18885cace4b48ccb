package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/anvil-platform/servicegraph/engine"
	"github.com/anvil-platform/servicegraph/internal/eventbus"
	"github.com/anvil-platform/servicegraph/internal/healthgrpc"
	"github.com/anvil-platform/servicegraph/internal/manifest"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Install the manifests in a directory and keep them running",
	Long: `Install every ServiceManifest in --manifests, wait for the graph to settle
and print the state of each service. The process then keeps the services up
until interrupted; with --watch, changes to the directory are applied live.

Examples:
  servicegraph run --manifests ./services
  servicegraph run --manifests ./services --watch --health-addr :50051
  SERVICEGRAPH_TRACE=stdout servicegraph run --manifests ./services --once`,
	RunE: runServices,
}

func init() {
	f := runCmd.Flags()
	f.StringP("manifests", "m", ".", "directory holding ServiceManifest files")
	f.Bool("watch", false, "apply changes to the manifest directory as they happen")
	f.Bool("once", false, "exit after the first settle instead of running until interrupted")
	f.Duration("debounce", manifest.DefaultDebounce, "how long to wait for file changes to quiet down")
	f.String("trace", "none", "span exporter: none, stdout or otlp")
	f.String("otlp-endpoint", "localhost:4317", "collector address for --trace=otlp")
	f.String("health-addr", "", "serve gRPC health checks on this address")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("nats-url", "", "publish lifecycle events to this NATS server")
	rootCmd.AddCommand(runCmd)
}

func runServices(cmd *cobra.Command, _ []string) error {
	log := logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, flush, err := newTracer(ctx, cfg.Trace, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flush(fctx); err != nil {
			log.Error(err, "flushing spans")
		}
	}()

	metrics := engine.NewMetrics()
	opts := engineOptions(log, metrics)
	opts.Tracer = tracer
	ct := engine.New(opts)
	if cfg.NATSURL != "" {
		stopEvents, err := forwardEvents(ct, cfg.NATSURL, log.WithName("eventbus"))
		if err != nil {
			return err
		}
		// Registered before shutdown so the final transitions are published.
		defer stopEvents()
	}
	// Stop bodies must still get a live context after the signal.
	if err := ct.Start(context.Background()); err != nil {
		return err
	}
	defer shutdown(ct, log)

	pub := healthgrpc.NewPublisher()
	pub.Attach(ct)
	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.HealthAddr, err)
		}
		go func() {
			if err := healthgrpc.Serve(ctx, lis, pub, log.WithName("health")); err != nil {
				log.Error(err, "grpc health server")
			}
		}()
	}
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr, metrics, log); err != nil {
			return err
		}
	}

	syncer := manifest.NewSyncer(ct, manifest.DefaultCatalog(), log.WithName("manifest"))

	if cfg.Watch && !cfg.Once {
		w := manifest.NewWatcher(cfg.Manifests, syncer, cfg.Debounce, log.WithName("watch"))
		w.OnSync = func(res *manifest.Result, err error) {
			if err != nil || res == nil || !res.Changed() {
				return
			}
			settleAndReport(ctx, cmd, ct)
		}
		return w.Run(ctx)
	}

	desired, err := manifest.LoadDir(cfg.Manifests)
	if err != nil {
		return err
	}
	res, err := syncer.Sync(ctx, desired)
	for key, ierr := range res.Invalid {
		fmt.Fprintf(cmd.ErrOrStderr(), "invalid manifest %s: %v\n", key, ierr)
	}
	if err != nil {
		return err
	}
	if !settleAndReport(ctx, cmd, ct) && cfg.Once {
		return errors.New("graph did not settle with every service up")
	}
	if cfg.Once {
		return nil
	}
	<-ctx.Done()
	return nil
}

// settleAndReport prints the snapshot once the graph settles and reports
// whether every service that wants to run is UP.
func settleAndReport(ctx context.Context, cmd *cobra.Command, ct *engine.Container) bool {
	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := ct.AwaitSettled(sctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "graph did not settle within %s\n", cfg.Timeout)
	}
	snap := ct.Snapshot()
	printSnapshot(cmd.OutOrStdout(), snap)
	return healthy(snap)
}

func healthy(snap []engine.ServiceStatus) bool {
	for _, st := range snap {
		if st.State == engine.StateFailed || len(st.Missing) > 0 {
			return false
		}
	}
	return true
}

func shutdown(ct *engine.Container, log logr.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := ct.Shutdown(ctx); err != nil {
		log.Error(err, "shutdown did not finish")
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *engine.Metrics, log logr.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}
	reg.MustRegister(eventbus.Collectors()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("serving metrics", "addr", addr)
	return nil
}

// forwardEvents publishes every transition of ct to NATS. The returned
// func stops forwarding after draining buffered events.
func forwardEvents(ct *engine.Container, url string, log logr.Logger) (func(), error) {
	pub, err := eventbus.NewNATSPublisher(url, "servicegraph")
	if err != nil {
		return nil, err
	}
	fwd := eventbus.NewForwarder(pub, eventbus.DefaultSubjectPrefix, 1024, log)
	ct.AddListener(fwd.Observe)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := fwd.Run(ctx); err != nil {
			log.Error(err, "closing event publisher")
		}
	}()
	log.Info("publishing lifecycle events", "url", url, "subject", eventbus.DefaultSubjectPrefix+".>")
	return func() {
		cancel()
		fwd.Wait()
	}, nil
}
