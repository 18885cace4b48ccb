package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/anvil-platform/servicegraph/engine"
)

// config is everything viper resolves from flags, SERVICEGRAPH_* variables
// and the optional config file.
type config struct {
	Manifests    string        `mapstructure:"manifests"`
	Watch        bool          `mapstructure:"watch"`
	Once         bool          `mapstructure:"once"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Debounce     time.Duration `mapstructure:"debounce"`
	Workers      int           `mapstructure:"workers"`
	TaskWorkers  int           `mapstructure:"task-workers"`
	Trace        string        `mapstructure:"trace"`
	OTLPEndpoint string        `mapstructure:"otlp-endpoint"`
	HealthAddr   string        `mapstructure:"health-addr"`
	MetricsAddr  string        `mapstructure:"metrics-addr"`
	NATSURL      string        `mapstructure:"nats-url"`
}

var (
	cfgFile string
	cfg     config
	zapOpts = zap.Options{Development: true}
)

var rootCmd = &cobra.Command{
	Use:           "servicegraph",
	Short:         "Run service dependency graphs declared as ServiceManifests",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := loadConfig(); err != nil {
			return err
		}
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().Int("workers", 0, "bookkeeping workers (default GOMAXPROCS)")
	rootCmd.PersistentFlags().Int("task-workers", 0, "concurrent start/stop bodies (default 4 per CPU)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "how long to wait for the graph to settle")

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func loadConfig() error {
	viper.SetEnvPrefix("SERVICEGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

func logger() logr.Logger {
	return ctrl.Log.WithName("servicegraph")
}

func engineOptions(log logr.Logger, metrics *engine.Metrics) engine.Options {
	return engine.Options{
		Workers:     cfg.Workers,
		TaskWorkers: cfg.TaskWorkers,
		Logger:      log.WithName("engine"),
		Metrics:     metrics,
	}
}
