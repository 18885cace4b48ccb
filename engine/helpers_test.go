package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	return newTestContainerWith(t, Options{})
}

func newTestContainerWith(t *testing.T, opts Options) *Container {
	t.Helper()
	if opts.Logger.GetSink() == nil {
		opts.Logger = testr.NewWithOptions(t, testr.Options{Verbosity: 1})
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.TaskWorkers == 0 {
		opts.TaskWorkers = 4
	}
	ct := New(opts)
	require.NoError(t, ct.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := ct.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return ct
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func settle(t *testing.T, ct *Container) {
	t.Helper()
	require.NoError(t, ct.AwaitSettled(testContext(t)))
}

func requireState(t *testing.T, ct *Container, name string, want State) {
	t.Helper()
	got, ok := ct.State(MustParseName(name))
	require.True(t, ok, "service %s is not installed", name)
	require.Equal(t, want, got, "state of %s", name)
}

// recorder keeps the order in which bodies ran.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) body(event string) func(context.Context) error {
	return func(context.Context) error {
		r.add(event)
		return nil
	}
}

func (r *recorder) failing(event string, err error) func(context.Context) error {
	return func(context.Context) error {
		r.add(event)
		return err
	}
}

// indexOf returns the position of e in events, or -1.
func indexOf(events []string, e string) int {
	for i, cur := range events {
		if cur == e {
			return i
		}
	}
	return -1
}
