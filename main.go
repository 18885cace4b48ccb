package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
	"github.com/anvil-platform/servicegraph/controllers"
	"github.com/anvil-platform/servicegraph/engine"
	"github.com/anvil-platform/servicegraph/internal/eventbus"
	"github.com/anvil-platform/servicegraph/internal/healthgrpc"
	"github.com/anvil-platform/servicegraph/internal/manifest"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sgv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var grpcHealthAddr string
	var natsURL string
	var enableLeaderElection bool
	var workers int
	var taskWorkers int
	var shutdownTimeout time.Duration

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&grpcHealthAddr, "grpc-health-bind-address", "", "The address the gRPC health service binds to. Empty disables it.")
	flag.StringVar(&natsURL, "nats-url", "", "Publish service lifecycle events to this NATS server. Empty disables it.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.IntVar(&workers, "engine-workers", 0, "Bookkeeping workers of the service engine. 0 uses GOMAXPROCS.")
	flag.IntVar(&taskWorkers, "engine-task-workers", 0, "Concurrent start and stop bodies. 0 uses four per CPU.")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for services to stop on exit.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "servicegraph.anvil.dev",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	engineMetrics := engine.NewMetrics()
	if err := engineMetrics.Register(ctrlmetrics.Registry); err != nil {
		setupLog.Error(err, "unable to register engine metrics")
		os.Exit(1)
	}
	ct := engine.New(engine.Options{
		Workers:     workers,
		TaskWorkers: taskWorkers,
		Logger:      ctrl.Log.WithName("engine"),
		Metrics:     engineMetrics,
	})

	var engineRunning atomic.Bool
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		// Bodies get a context that outlives the manager so stop bodies
		// still run during shutdown.
		if err := ct.Start(context.Background()); err != nil {
			return err
		}
		engineRunning.Store(true)
		<-ctx.Done()
		engineRunning.Store(false)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return ct.Shutdown(sctx)
	})); err != nil {
		setupLog.Error(err, "unable to add engine runnable")
		os.Exit(1)
	}

	if natsURL != "" {
		pub, err := eventbus.NewNATSPublisher(natsURL, "servicegraph-operator")
		if err != nil {
			setupLog.Error(err, "unable to connect to NATS")
			os.Exit(1)
		}
		ctrlmetrics.Registry.MustRegister(eventbus.Collectors()...)
		fwd := eventbus.NewForwarder(pub, eventbus.DefaultSubjectPrefix, 1024, ctrl.Log.WithName("eventbus"))
		ct.AddListener(fwd.Observe)
		if err := mgr.Add(manager.RunnableFunc(fwd.Run)); err != nil {
			setupLog.Error(err, "unable to add event forwarder")
			os.Exit(1)
		}
	}

	publisher := healthgrpc.NewPublisher()
	publisher.Attach(ct)
	if grpcHealthAddr != "" {
		if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			lis, err := net.Listen("tcp", grpcHealthAddr)
			if err != nil {
				return err
			}
			return healthgrpc.Serve(ctx, lis, publisher, ctrl.Log.WithName("grpc-health"))
		})); err != nil {
			setupLog.Error(err, "unable to add grpc health server")
			os.Exit(1)
		}
	}

	if err := (&controllers.ServiceManifestReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("ServiceManifest"),
		Engine:   ct,
		Syncer:   manifest.NewSyncer(ct, manifest.DefaultCatalog(), ctrl.Log.WithName("manifest")),
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "ServiceManifest")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", func(*http.Request) error {
		if !engineRunning.Load() {
			return errors.New("service engine is not running")
		}
		return nil
	}); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
