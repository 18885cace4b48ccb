package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// observer checks, from inside start and stop bodies, that the scheduler
// never lets them overlap in ways the dependency graph forbids.
type observer struct {
	mu         sync.Mutex
	inFlight   map[int]int
	up         map[int]bool
	active     map[int]bool
	violations []string
}

func newObserver() *observer {
	return &observer{inFlight: map[int]int{}, up: map[int]bool{}, active: map[int]bool{}}
}

func (o *observer) violate(format string, args ...any) {
	o.violations = append(o.violations, fmt.Sprintf(format, args...))
}

func (o *observer) enter(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight[i]++
	if o.inFlight[i] > 1 {
		o.violate("service %d has %d tasks in flight", i, o.inFlight[i])
	}
}

func (o *observer) exit(i int) {
	o.mu.Lock()
	o.inFlight[i]--
	o.mu.Unlock()
}

type randomService struct {
	mode     Mode
	fails    bool
	required []int
	optional []int
}

func (o *observer) start(i int, svc randomService) func(context.Context) error {
	return func(context.Context) error {
		o.enter(i)
		defer o.exit(i)
		o.mu.Lock()
		o.active[i] = true
		for _, d := range svc.required {
			if !o.up[d] {
				o.violate("service %d started while required %d was not up", i, d)
			}
		}
		o.mu.Unlock()

		runtime.Gosched()

		o.mu.Lock()
		defer o.mu.Unlock()
		if svc.fails {
			o.active[i] = false
			return errBoom
		}
		o.up[i] = true
		return nil
	}
}

func (o *observer) stop(i int, dependents []int) func(context.Context) error {
	return func(context.Context) error {
		o.enter(i)
		defer o.exit(i)
		o.mu.Lock()
		o.up[i] = false
		for _, d := range dependents {
			if o.active[d] {
				o.violate("service %d stopped while dependent %d was active", i, d)
			}
		}
		o.mu.Unlock()

		runtime.Gosched()

		o.mu.Lock()
		o.active[i] = false
		o.mu.Unlock()
		return nil
	}
}

func TestRandomInterleavingsKeepOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "services")
		svcs := make([]randomService, n)
		dependents := make([][]int, n)
		for i := range svcs {
			svcs[i].mode = rapid.SampledFrom([]Mode{ModeActive, ModeActive, ModePassive, ModeOnDemand, ModeLazy}).Draw(rt, fmt.Sprintf("mode%d", i))
			svcs[i].fails = rapid.IntRange(0, 9).Draw(rt, fmt.Sprintf("fails%d", i)) == 0
			for j := 0; j < i; j++ {
				switch rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("edge%d_%d", i, j)) {
				case 1:
					svcs[i].required = append(svcs[i].required, j)
					dependents[j] = append(dependents[j], i)
				case 2:
					svcs[i].optional = append(svcs[i].optional, j)
				}
			}
		}

		ct := New(Options{
			Workers:     rapid.IntRange(1, 4).Draw(rt, "workers"),
			TaskWorkers: rapid.IntRange(1, 4).Draw(rt, "taskWorkers"),
			Logger:      logr.Discard(),
			Metrics:     NewMetrics(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		require.NoError(rt, ct.Start(ctx))

		obs := newObserver()
		name := func(i int) Name { return MustParseName(fmt.Sprintf("svc%d", i)) }

		// Install in a random order, split into random batches.
		order := rapid.Permutation(indices(n)).Draw(rt, "installOrder")
		for len(order) > 0 {
			size := rapid.IntRange(1, len(order)).Draw(rt, "batchSize")
			b := ct.NewBatch()
			for _, i := range order[:size] {
				bl := b.AddService(name(i), svcs[i].mode)
				for _, d := range svcs[i].required {
					bl.Requires(name(d))
				}
				for _, d := range svcs[i].optional {
					bl.RequiresOptional(name(d))
				}
				bl.SetRunnable(obs.start(i, svcs[i]), obs.stop(i, dependents[i]))
			}
			_, err := b.Install(ctx)
			require.NoError(rt, err)
			order = order[size:]
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 3*n-1), 0, 12).Draw(rt, "ops")
		for _, op := range ops {
			i := op % n
			switch op / n {
			case 0:
				ct.Remove(name(i))
			case 1:
				ct.Retry(name(i))
			case 2:
				ct.Fail(name(i), errBoom)
			}
		}

		require.NoError(rt, ct.AwaitSettled(ctx), "graph did not settle")
		for _, st := range ct.Snapshot() {
			if st.State == StateStarting || st.State == StateStopping {
				rt.Fatalf("%s settled in %s", st.Name, st.State)
			}
		}
		require.NoError(rt, ct.Shutdown(ctx))
		require.Empty(rt, ct.Snapshot())

		obs.mu.Lock()
		defer obs.mu.Unlock()
		require.Empty(rt, obs.violations)
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
