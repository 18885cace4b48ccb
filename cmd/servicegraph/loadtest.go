package main

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/anvil-platform/servicegraph/engine"
)

var loadTestCmd = &cobra.Command{
	Use:   "load-test",
	Short: "Start and stop a generated graph and report latencies",
	Long: `Build a layered graph of --services services where each service requires up
to --fanout services from earlier layers, install it in batches of --batch,
and measure how long every service takes from install to UP, and how long
the whole graph takes to start and shut down.`,
	RunE: loadTest,
}

type loadTestOptions struct {
	Services   int
	Fanout     int
	Batch      int
	StartDelay time.Duration
	Seed       int64
}

var ltOpts loadTestOptions

func init() {
	f := loadTestCmd.Flags()
	f.IntVar(&ltOpts.Services, "services", 1000, "number of services to generate")
	f.IntVar(&ltOpts.Fanout, "fanout", 3, "maximum required dependencies per service")
	f.IntVar(&ltOpts.Batch, "batch", 100, "services per install batch")
	f.DurationVar(&ltOpts.StartDelay, "start-delay", 0, "time each start body sleeps")
	f.Int64Var(&ltOpts.Seed, "seed", 1, "random seed for the graph shape")
	rootCmd.AddCommand(loadTestCmd)
}

// latencies records install-to-UP times from an engine listener.
type latencies struct {
	mu        sync.Mutex
	installed map[engine.Name]time.Time
	up        []time.Duration
}

func (l *latencies) observe(ev engine.Event) {
	if ev.To != engine.StateUp {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.installed[ev.Name]; ok {
		l.up = append(l.up, time.Since(t))
		delete(l.installed, ev.Name)
	}
}

func loadTest(cmd *cobra.Command, _ []string) error {
	if ltOpts.Services <= 0 || ltOpts.Batch <= 0 {
		return fmt.Errorf("--services and --batch must be positive")
	}
	log := logger()
	ct := engine.New(engineOptions(log, engine.NewMetrics()))
	if err := ct.Start(context.Background()); err != nil {
		return err
	}

	lat := &latencies{installed: make(map[engine.Name]time.Time, ltOpts.Services)}
	ct.AddListener(lat.observe)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	rng := rand.New(rand.NewSource(ltOpts.Seed))
	name := func(i int) engine.Name { return engine.MustParseName(fmt.Sprintf("load.svc%d", i)) }
	body := func(ctx context.Context) error {
		if ltOpts.StartDelay <= 0 {
			return nil
		}
		select {
		case <-time.After(ltOpts.StartDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Starting load test: %d services, fanout %d, batches of %d\n", ltOpts.Services, ltOpts.Fanout, ltOpts.Batch)
	start := time.Now()
	for lo := 0; lo < ltOpts.Services; lo += ltOpts.Batch {
		hi := min(lo+ltOpts.Batch, ltOpts.Services)
		b := ct.NewBatch()
		lat.mu.Lock()
		for i := lo; i < hi; i++ {
			bl := b.AddService(name(i), engine.ModeActive)
			seen := map[int]bool{}
			for k := 0; k < ltOpts.Fanout && i > 0; k++ {
				d := rng.Intn(i)
				if seen[d] {
					continue
				}
				seen[d] = true
				bl.Requires(name(d))
			}
			bl.SetRunnable(body, nil)
			lat.installed[name(i)] = time.Now()
		}
		lat.mu.Unlock()
		if _, err := b.Install(ctx); err != nil {
			return fmt.Errorf("batch %d: %w", lo/ltOpts.Batch, err)
		}
	}
	if err := ct.AwaitSettled(ctx); err != nil {
		return fmt.Errorf("graph did not settle: %w", err)
	}
	startup := time.Since(start)

	stopStart := time.Now()
	if err := ct.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	teardown := time.Since(stopStart)

	lat.mu.Lock()
	defer lat.mu.Unlock()
	out := cmd.OutOrStdout()
	if len(lat.up) == 0 {
		fmt.Fprintf(out, "Load test completed in %v. No services started.\n", startup)
		return nil
	}
	sort.Slice(lat.up, func(i, j int) bool { return lat.up[i] < lat.up[j] })
	var total time.Duration
	for _, d := range lat.up {
		total += d
	}
	fmt.Fprintf(out, "Started %d/%d services in %v (%.0f services/s), shutdown in %v\n",
		len(lat.up), ltOpts.Services, startup, float64(len(lat.up))/startup.Seconds(), teardown)
	fmt.Fprintf(out, "Install-to-UP latency: avg %v, p50 %v, p99 %v, max %v\n",
		total/time.Duration(len(lat.up)), percentile(lat.up, 0.50), percentile(lat.up, 0.99), lat.up[len(lat.up)-1])
	return nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
