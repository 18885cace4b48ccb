package engine

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/anvil-platform/servicegraph/internal/graph"
	"github.com/anvil-platform/servicegraph/internal/resolver"
)

const tracerName = "github.com/anvil-platform/servicegraph/engine"

// Options configures a Container. Zero values pick defaults.
type Options struct {
	// Workers is the number of bookkeeping workers. Defaults to GOMAXPROCS.
	Workers int
	// TaskWorkers bounds how many start and stop bodies run at once.
	// Defaults to four per CPU.
	TaskWorkers int
	Logger      logr.Logger
	Tracer      trace.Tracer
	Metrics     *Metrics
	Resolver    resolver.Resolver
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.TaskWorkers <= 0 {
		o.TaskWorkers = 4 * runtime.GOMAXPROCS(0)
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Metrics == nil {
		o.Metrics = defaultMetrics
	}
	if o.Resolver == nil {
		o.Resolver = resolver.NewDefault()
	}
	return o
}

// Event describes one lifecycle transition.
type Event struct {
	Name       Name
	From       State
	To         State
	Err        error
	Generation uint64
}

// Listener observes transitions. It is called from a bookkeeping worker and
// must not block.
type Listener func(Event)

// ServiceStatus is a point-in-time view of one installed service.
type ServiceStatus struct {
	Name       Name
	Mode       Mode
	State      State
	Generation uint64
	Demand     int
	Failure    error
	// Missing lists required dependencies with no provider.
	Missing []string
}

// Container is the service registry plus the scheduler driving it.
type Container struct {
	log      logr.Logger
	sched    *scheduler
	metrics  *Metrics
	resolver resolver.Resolver

	// mu guards the structural registry. It is never held while a start or
	// stop body runs.
	mu       sync.Mutex
	names    map[Name]*controller
	services map[Name]*controller
	caps     *resolver.Index
	pending  map[string][]dependent
	closed   bool

	listenerMu sync.RWMutex
	listeners  []Listener
}

func New(opts Options) *Container {
	opts = opts.withDefaults()
	return &Container{
		log:      opts.Logger,
		sched:    newScheduler(opts),
		metrics:  opts.Metrics,
		resolver: opts.Resolver,
		names:    make(map[Name]*controller),
		services: make(map[Name]*controller),
		caps:     resolver.NewIndex(),
		pending:  make(map[string][]dependent),
	}
}

// Start launches the worker pools. Bodies receive a context derived from
// ctx that is cancelled by Shutdown.
func (ct *Container) Start(ctx context.Context) error {
	ct.mu.Lock()
	closed := ct.closed
	ct.mu.Unlock()
	if closed {
		return ErrContainerClosed
	}
	if !ct.sched.start(ctx) {
		return fmt.Errorf("engine: container already started")
	}
	return nil
}

// Shutdown removes every service, waits for the graph to settle and stops
// the workers. New batches are refused from the first call on.
func (ct *Container) Shutdown(ctx context.Context) error {
	ct.mu.Lock()
	ct.closed = true
	names := make([]Name, 0, len(ct.services))
	for n := range ct.services {
		names = append(names, n)
	}
	ct.mu.Unlock()

	ct.log.Info("shutting down", "services", len(names))
	for _, n := range names {
		ct.Remove(n)
	}
	var err error
	if ct.sched.isStarted() {
		err = ct.AwaitSettled(ctx)
	}
	ct.sched.stop()
	return err
}

func (ct *Container) AddListener(l Listener) {
	ct.listenerMu.Lock()
	defer ct.listenerMu.Unlock()
	ct.listeners = append(ct.listeners, l)
}

func (ct *Container) emit(c *controller, ev Event) {
	ct.metrics.observeTransition(ev.From, ev.To)
	if ev.To == StateFailed {
		c.log.Info("service failed", "from", ev.From.String(), "generation", ev.Generation, "error", ev.Err)
	} else {
		c.log.V(1).Info("transition", "from", ev.From.String(), "to", ev.To.String(), "generation", ev.Generation)
	}
	ct.listenerMu.RLock()
	listeners := ct.listeners
	ct.listenerMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// AwaitSettled blocks until no message or task is outstanding, or ctx ends.
func (ct *Container) AwaitSettled(ctx context.Context) error {
	select {
	case <-ct.sched.settle.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitRemoved blocks until each named service has reached REMOVED, or ctx
// ends. Names not installed count as removed. Unrelated services are not
// waited for.
func (ct *Container) AwaitRemoved(ctx context.Context, names ...Name) error {
	ct.mu.Lock()
	waiting := make([]*controller, 0, len(names))
	for _, n := range names {
		if c, ok := ct.services[n]; ok {
			waiting = append(waiting, c)
		}
	}
	ct.mu.Unlock()

	for _, c := range waiting {
		for {
			st, changed, _ := c.watch()
			if st == StateRemoved {
				break
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return fmt.Errorf("%s is still %s: %w", c.name, st, ctx.Err())
			}
		}
	}
	return nil
}

// Remove schedules the removal of name. It reports false for an unknown
// service, including one already being removed.
func (ct *Container) Remove(name Name) bool {
	ct.mu.Lock()
	c, ok := ct.services[name]
	if !ok || c.removeAsked {
		ct.mu.Unlock()
		return false
	}
	c.removeAsked = true
	ct.mu.Unlock()

	c.log.V(1).Info("removal requested")
	ct.sched.post(c, message{kind: msgRemove})
	return true
}

// Retry moves a FAILED service back to DOWN so it may start again.
func (ct *Container) Retry(name Name) bool {
	c, ok := ct.lookup(name)
	if !ok {
		return false
	}
	ct.sched.post(c, message{kind: msgRetry})
	return true
}

// Fail drives the service to FAILED with cause, stopping it first if it is
// up.
func (ct *Container) Fail(name Name, cause error) bool {
	c, ok := ct.lookup(name)
	if !ok {
		return false
	}
	if cause == nil {
		cause = errFailedOnRequest
	}
	ct.sched.post(c, message{kind: msgFail, err: cause})
	return true
}

// State reports the current state of name. Services being removed keep
// reporting until they reach REMOVED.
func (ct *Container) State(name Name) (State, bool) {
	ct.mu.Lock()
	c, ok := ct.services[name]
	ct.mu.Unlock()
	if !ok {
		return 0, false
	}
	return c.currentState(), true
}

// Failure returns the cause recorded for a FAILED service.
func (ct *Container) Failure(name Name) error {
	ct.mu.Lock()
	c, ok := ct.services[name]
	ct.mu.Unlock()
	if !ok {
		return nil
	}
	_, _, err := c.watch()
	return err
}

func (ct *Container) lookup(name Name) (*controller, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	c, ok := ct.services[name]
	if !ok || c.removeAsked {
		return nil, false
	}
	return c, true
}

// Snapshot lists every installed service sorted by name.
func (ct *Container) Snapshot() []ServiceStatus {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]ServiceStatus, 0, len(ct.services))
	for _, c := range ct.services {
		out = append(out, c.statusLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name.s < out[j].Name.s })
	return out
}

// Status is Snapshot for a single service.
func (ct *Container) Status(name Name) (ServiceStatus, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	c, ok := ct.services[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return c.statusLocked(), true
}

// statusLocked needs the registry mutex for the pending edges.
func (c *controller) statusLocked() ServiceStatus {
	st := ServiceStatus{Name: c.name, Mode: c.decl.mode, Missing: c.missingLocked()}
	c.mu.Lock()
	st.State, st.Generation, st.Failure, st.Demand = c.state, c.gen, c.failure, len(c.demanders)
	c.mu.Unlock()
	return st
}

// Order returns installed services with every bound required dependency
// ahead of its dependents.
func (ct *Container) Order() ([]Name, error) {
	ct.mu.Lock()
	g := graph.New()
	for _, n := range ct.sortedServicesLocked() {
		c := ct.services[n]
		from := g.AddNode(n.s)
		for i, p := range c.boundTo {
			if p != nil && c.decl.deps[i].required {
				g.AddEdge(from, g.AddNode(p.name.s), true)
			}
		}
	}
	ct.mu.Unlock()

	keys, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	out := make([]Name, len(keys))
	for i, k := range keys {
		out[i] = Name{s: k}
	}
	return out, nil
}

func (ct *Container) sortedServicesLocked() []Name {
	names := make([]Name, 0, len(ct.services))
	for n := range ct.services {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].s < names[j].s })
	return names
}

// resolveLocked finds the live provider for a dependency, honoring version
// constraints on capabilities.
func (ct *Container) resolveLocked(inj *Injector) *controller {
	if !inj.target.capability {
		return ct.names[inj.target.name]
	}
	p, _, ok := ct.caps.Match(resolver.Requirement{Key: inj.target.name.s, Constraint: inj.constraint})
	if !ok {
		return nil
	}
	return ct.services[Name{s: p.Owner}]
}

// link binds a dependent's slot to p and tells the dependent what p's
// availability is at this instant.
func (ct *Container) link(p *controller, d dependent) {
	available, epoch := p.addDependent(d)
	d.c.boundTo[d.slot] = p
	if key, ok := d.c.pendingKeys[d.slot]; ok {
		ct.dropPending(key, d)
		delete(d.c.pendingKeys, d.slot)
	}
	ct.sched.post(d.c, message{kind: msgAvailability, slot: d.slot, from: p, epoch: epoch, available: available})
}

func (ct *Container) addPending(d dependent) {
	key := d.c.decl.deps[d.slot].target.key()
	ct.pending[key] = append(ct.pending[key], d)
	d.c.pendingKeys[d.slot] = key
}

func (ct *Container) dropPending(key string, d dependent) {
	edges := ct.pending[key]
	for i, e := range edges {
		if e == d {
			edges = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(edges) == 0 {
		delete(ct.pending, key)
		return
	}
	ct.pending[key] = edges
}

// bindPendingLocked links pending edges that p now satisfies.
func (ct *Container) bindPendingLocked(p *controller) {
	keys := []string{target{name: p.name}.key()}
	for _, out := range p.decl.outputs {
		keys = append(keys, out.target.key())
	}
	for _, key := range keys {
		for _, d := range append([]dependent(nil), ct.pending[key]...) {
			if ct.resolveLocked(d.c.decl.deps[d.slot]) == p {
				ct.link(p, d)
			}
		}
	}
}

// unregister releases c's names and capabilities and turns every edge that
// pointed at c back into a pending edge.
func (ct *Container) unregister(c *controller) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for _, n := range append([]Name{c.name}, c.decl.aliases()...) {
		if ct.names[n] == c {
			delete(ct.names, n)
		}
	}
	delete(ct.services, c.name)
	released := ct.caps.RemoveOwner(c.name.s)

	for i, p := range c.boundTo {
		if p != nil {
			p.removeDependent(dependent{c: c, slot: i})
			c.boundTo[i] = nil
		}
	}
	for slot, key := range c.pendingKeys {
		ct.dropPending(key, dependent{c: c, slot: slot})
	}
	c.pendingKeys = make(map[int]string)

	orphaned := c.takeDependents()
	for _, d := range orphaned {
		d.c.boundTo[d.slot] = nil
		ct.addPending(d)
		ct.sched.post(d.c, message{kind: msgUnlinked, slot: d.slot, from: c})
	}
	c.log.Info("service removed", "capabilities", released, "orphanedEdges", len(orphaned))
}

// missingLocked lists required dependencies without a provider.
func (c *controller) missingLocked() []string {
	var missing []string
	for slot := range c.pendingKeys {
		if dep := c.decl.deps[slot]; dep.required {
			missing = append(missing, dep.target.String())
		}
	}
	sort.Strings(missing)
	return missing
}

// explain says why a settled service is not up.
func (ct *Container) explain(c *controller, seen map[*controller]bool) error {
	st, _, failure := c.watch()
	switch st {
	case StateUp:
		return nil
	case StateFailed:
		return failure
	case StateRemoved:
		return ErrServiceRemoved
	}
	if c.decl.mode == ModeNever {
		return ErrNeverMode
	}
	if seen[c] {
		return fmt.Errorf("service %s is %s", c.name, st)
	}
	seen[c] = true

	ct.mu.Lock()
	missing := c.missingLocked()
	bound := append([]*controller(nil), c.boundTo...)
	ct.mu.Unlock()

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s needs %s", ErrMissingRequiredDependency, c.name, strings.Join(missing, ", "))
	}
	for i, p := range bound {
		if p == nil || !c.decl.deps[i].required {
			continue
		}
		pst, _, pfail := p.watch()
		switch pst {
		case StateUp:
			continue
		case StateFailed:
			return fmt.Errorf("%w: %s: %w", ErrDependencyFailed, p.name, pfail)
		}
		if err := ct.explain(p, seen); err != nil {
			return fmt.Errorf("dependency %s: %w", p.name, err)
		}
	}
	if (c.decl.mode == ModeOnDemand || c.decl.mode == ModeLazy) && c.demand() == 0 {
		return fmt.Errorf("%w: %s", ErrNotDemanded, c.name)
	}
	return fmt.Errorf("service %s is %s", c.name, st)
}

func (ct *Container) awaitUp(ctx context.Context, c *controller) error {
	for {
		st, changed, failure := c.watch()
		switch st {
		case StateUp:
			return nil
		case StateFailed:
			return failure
		case StateRemoved:
			return ErrServiceRemoved
		}
		if c.decl.mode == ModeNever {
			return ErrNeverMode
		}

		idle := ct.sched.settle.wait()
		select {
		case <-idle:
			if c.currentState() != st {
				continue
			}
			return ct.explain(c, make(map[*controller]bool))
		default:
		}

		select {
		case <-changed:
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
