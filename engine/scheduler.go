package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/util/workqueue"
)

type taskKind int

const (
	taskStart taskKind = iota
	taskStop
)

func (k taskKind) String() string {
	if k == taskStart {
		return "start"
	}
	return "stop"
}

// task runs one start or stop body on behalf of a controller.
type task struct {
	c    *controller
	kind taskKind
	gen  uint64
	body func(context.Context) error
}

// settleTracker counts messages posted but not yet processed plus tasks in
// flight. The graph is settled when the count is zero.
type settleTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newSettleTracker() *settleTracker {
	idle := make(chan struct{})
	close(idle)
	return &settleTracker{idle: idle}
}

func (s *settleTracker) add(delta int) {
	if delta == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.n
	s.n += delta
	switch {
	case s.n < 0:
		panic(fmt.Sprintf("engine: settle count went negative (%d)", s.n))
	case prev == 0:
		s.idle = make(chan struct{})
	case s.n == 0:
		close(s.idle)
	}
}

// wait returns a channel that is closed once the count reaches zero.
func (s *settleTracker) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *settleTracker) settled() bool {
	select {
	case <-s.wait():
		return true
	default:
		return false
	}
}

// scheduler owns the two worker pools. Bookkeeping workers drain controller
// inboxes; task workers run start and stop bodies. The controller queue never
// hands the same controller to two workers at once.
type scheduler struct {
	log     logr.Logger
	tracer  trace.Tracer
	metrics *Metrics
	settle  *settleTracker

	controllers workqueue.TypedInterface[*controller]
	tasks       workqueue.TypedInterface[*task]

	workers     int
	taskWorkers int

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newScheduler(opts Options) *scheduler {
	return &scheduler{
		log:     opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		settle:  newSettleTracker(),
		controllers: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*controller]{
			Name: "servicegraph_controllers",
		}),
		tasks: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*task]{
			Name: "servicegraph_tasks",
		}),
		workers:     opts.Workers,
		taskWorkers: opts.TaskWorkers,
	}
}

func (s *scheduler) start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for s.processNext() {
			}
		}()
	}
	for i := 0; i < s.taskWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for s.runNext() {
			}
		}()
	}
	return true
}

func (s *scheduler) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *scheduler) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.controllers.ShutDown()
	s.tasks.ShutDown()
	s.wg.Wait()
}

// post appends m to c's inbox and queues c. The settle count is raised
// before the message becomes visible.
func (s *scheduler) post(c *controller, m message) {
	s.settle.add(1)
	c.mu.Lock()
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
	s.controllers.Add(c)
}

func (s *scheduler) processNext() bool {
	c, shutdown := s.controllers.Get()
	if shutdown {
		return false
	}
	defer s.controllers.Done(c)
	c.process()
	return true
}

func (s *scheduler) dispatch(t *task) {
	s.settle.add(1)
	s.tasks.Add(t)
}

func (s *scheduler) runNext() bool {
	t, shutdown := s.tasks.Get()
	if shutdown {
		return false
	}
	defer s.tasks.Done(t)
	s.run(t)
	return true
}

func (s *scheduler) run(t *task) {
	ctx, span := s.tracer.Start(s.ctx, "servicegraph."+t.kind.String(),
		trace.WithAttributes(
			attribute.String("service.name", t.c.name.String()),
			attribute.Int64("service.generation", int64(t.gen)),
		))
	s.metrics.tasksInFlight.Inc()
	began := time.Now()

	err := runBody(ctx, t.body)

	s.metrics.taskDuration.WithLabelValues(t.kind.String()).Observe(time.Since(began).Seconds())
	s.metrics.tasksInFlight.Dec()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	s.post(t.c, message{kind: msgTaskDone, task: t.kind, gen: t.gen, err: err})
	s.settle.add(-1)
}

func runBody(ctx context.Context, body func(context.Context) error) (err error) {
	if body == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return body(ctx)
}
