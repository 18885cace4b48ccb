package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

type msgKind int

const (
	msgEvaluate msgKind = iota
	msgAvailability
	msgUnlinked
	msgDemand
	msgTaskDone
	msgRemove
	msgRetry
	msgFail
)

// message is the only way controllers affect each other. Cross-controller
// fields (slot, from, epoch) identify which dependency edge a message is
// about.
type message struct {
	kind      msgKind
	slot      int
	from      *controller
	epoch     uint64
	available bool
	on        bool
	task      taskKind
	gen       uint64
	err       error
}

// depSlot is the dependent's view of one dependency. Owned by the
// dependent's processing.
type depSlot struct {
	provider   *controller
	epoch      uint64
	available  bool
	held       bool
	demandSent bool
}

func (s *depSlot) up() bool { return s.provider != nil && s.available }

// dependent identifies one edge pointing at a provider.
type dependent struct {
	c    *controller
	slot int
}

var errFailedOnRequest = errors.New("failed on request")

// controller drives one service through its lifecycle. Messages are
// processed one batch at a time by a single bookkeeping worker; fields
// below mu that other goroutines read are only written under mu.
type controller struct {
	ct    *Container
	sched *scheduler
	decl  *declaration
	name  Name
	log   logr.Logger

	// Owned by the registry lock.
	boundTo     []*controller
	pendingKeys map[int]string
	removeAsked bool

	// Owned by the processing worker.
	slots          []depSlot
	removing       bool
	retryAsked     bool
	failAsked      bool
	failCause      error
	lazyTriggered  bool
	stopDispatched bool

	mu         sync.Mutex
	inbox      []message
	state      State
	gen        uint64
	failure    error
	changed    chan struct{}
	demanders  map[dependent]struct{}
	available  bool
	epoch      uint64
	dependents []dependent
	running    int
}

func newController(ct *Container, decl *declaration) *controller {
	return &controller{
		ct:          ct,
		sched:       ct.sched,
		decl:        decl,
		name:        decl.name,
		log:         ct.log.WithValues("service", decl.name.String()),
		boundTo:     make([]*controller, len(decl.deps)),
		pendingKeys: make(map[int]string),
		slots:       make([]depSlot, len(decl.deps)),
		changed:     make(chan struct{}),
		demanders:   make(map[dependent]struct{}),
	}
}

func (c *controller) process() {
	for {
		c.mu.Lock()
		msgs := c.inbox
		c.inbox = nil
		c.mu.Unlock()
		if len(msgs) == 0 {
			return
		}
		if c.state != StateRemoved {
			for _, m := range msgs {
				c.handle(m)
			}
			c.evaluate()
			if c.state != StateRemoved {
				c.syncDemand()
			}
		}
		c.sched.settle.add(-len(msgs))
	}
}

func (c *controller) handle(m message) {
	switch m.kind {
	case msgEvaluate:
	case msgAvailability:
		c.onAvailability(m)
	case msgUnlinked:
		s := &c.slots[m.slot]
		if s.provider == m.from {
			*s = depSlot{}
		}
	case msgDemand:
		c.onDemand(m)
	case msgTaskDone:
		c.onTaskDone(m)
	case msgRemove:
		c.removing = true
	case msgRetry:
		c.retryAsked = c.state == StateFailed
	case msgFail:
		if c.state != StateFailed {
			c.failAsked, c.failCause = true, m.err
		}
	}
}

func (c *controller) onAvailability(m message) {
	s := &c.slots[m.slot]
	switch {
	case s.provider == nil:
		s.provider = m.from
	case s.provider != m.from:
		return
	case m.epoch < s.epoch:
		return
	}
	s.epoch, s.available = m.epoch, m.available
}

func (c *controller) onDemand(m message) {
	d := dependent{c: m.from, slot: m.slot}
	c.mu.Lock()
	if m.on {
		c.demanders[d] = struct{}{}
	} else {
		delete(c.demanders, d)
	}
	n := len(c.demanders)
	c.mu.Unlock()
	if n > 0 && c.decl.mode == ModeLazy {
		c.lazyTriggered = true
	}
}

func (c *controller) demand() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.demanders)
}

func (c *controller) wantsUp() bool {
	if c.removing {
		return false
	}
	switch c.decl.mode {
	case ModeActive, ModePassive:
		return true
	case ModeOnDemand:
		return c.demand() > 0
	case ModeLazy:
		return c.lazyTriggered
	default:
		return false
	}
}

// demanding reports whether this controller asks its dependencies to be up.
func (c *controller) demanding() bool {
	if c.state == StateStarting || c.state == StateUp {
		return true
	}
	return c.decl.mode != ModePassive && c.wantsUp()
}

func (c *controller) syncDemand() {
	c.sendDemand(c.demanding())
}

func (c *controller) sendDemand(on bool) {
	for i := range c.slots {
		s := &c.slots[i]
		if s.provider == nil || s.demandSent == on {
			continue
		}
		s.demandSent = on
		c.sched.post(s.provider, message{kind: msgDemand, from: c, slot: i, on: on})
	}
}

func (c *controller) unsatisfied() int {
	n := 0
	for i := range c.slots {
		if c.decl.deps[i].required && !c.slots[i].up() {
			n++
		}
	}
	return n
}

func (c *controller) shouldLeave() bool {
	if c.failAsked || !c.wantsUp() {
		return true
	}
	for i := range c.slots {
		s := &c.slots[i]
		if !s.up() && (s.held || c.decl.deps[i].required) {
			return true
		}
	}
	return false
}

func (c *controller) evaluate() {
	switch c.state {
	case StateDown:
		if c.failAsked {
			c.failAsked = false
			c.setFailure(c.failCause)
			c.setState(StateFailed)
			c.evaluate()
			return
		}
		if c.removing {
			c.finishRemoval()
			return
		}
		if c.decl.mode != ModeNever && c.wantsUp() && c.unsatisfied() == 0 {
			c.tryStart()
		}
	case StateUp:
		if c.shouldLeave() {
			c.leave()
		}
	case StateStopping:
		c.maybeStop()
	case StateFailed:
		if c.removing {
			c.finishRemoval()
			return
		}
		if c.retryAsked {
			c.retryAsked = false
			c.setFailure(nil)
			c.bumpGen()
			c.setState(StateDown)
			c.evaluate()
		}
	}
}

// tryStart acquires every required dependency, and every optional one that
// is up, then dispatches the start body. Any failed acquisition of a
// required dependency releases what was taken; the unavailability message
// that explains it is already on its way.
func (c *controller) tryStart() {
	var held []int
	for i, dep := range c.decl.deps {
		if !dep.required {
			continue
		}
		if !c.slots[i].provider.tryAcquire() {
			for _, j := range held {
				c.slots[j].provider.release()
			}
			return
		}
		held = append(held, i)
	}
	for i, dep := range c.decl.deps {
		if dep.required || c.slots[i].provider == nil {
			continue
		}
		if c.slots[i].up() && c.slots[i].provider.tryAcquire() {
			held = append(held, i)
		}
	}

	for _, i := range held {
		s := &c.slots[i]
		s.held = true
		inj := c.decl.deps[i]
		var v any
		if out := s.provider.decl.output(inj.target); out != nil {
			v = out.get()
		}
		inj.inject(v)
	}

	c.bumpGen()
	c.setState(StateStarting)
	c.dispatch(taskStart)
}

func (c *controller) leave() {
	epoch, deps := c.publish(false)
	c.setState(StateStopping)
	c.broadcast(false, epoch, deps)
	c.maybeStop()
}

// maybeStop dispatches the stop body once no dependent holds this
// controller.
func (c *controller) maybeStop() {
	if c.stopDispatched {
		return
	}
	c.mu.Lock()
	busy := c.running > 0
	c.mu.Unlock()
	if busy {
		return
	}
	c.stopDispatched = true
	c.dispatch(taskStop)
}

func (c *controller) dispatch(kind taskKind) {
	var body func(context.Context) error = c.decl.start
	if kind == taskStop {
		body = c.decl.stop
	}
	c.sched.dispatch(&task{c: c, kind: kind, gen: c.generation(), body: body})
}

func (c *controller) onTaskDone(m message) {
	if m.gen != c.generation() {
		c.sched.metrics.staleTransitions.Inc()
		c.log.V(1).Info("dropping task completion", "task", m.task.String(), "generation", m.gen,
			"current", c.generation(), "reason", ErrStaleTransition)
		return
	}
	switch m.task {
	case taskStart:
		if m.err != nil {
			c.sched.metrics.startFailures.Inc()
			c.log.Error(m.err, "start failed")
			c.releaseAll()
			c.clearValues()
			c.failAsked = false
			c.setFailure(&StartFailure{Name: c.name, Err: m.err})
			c.setState(StateFailed)
			return
		}
		c.setState(StateUp)
		if !c.shouldLeave() {
			epoch, deps := c.publish(true)
			c.broadcast(true, epoch, deps)
		}
	case taskStop:
		c.stopDispatched = false
		if m.err != nil {
			c.sched.metrics.stopFailures.Inc()
			c.log.Error(&StopFailure{Name: c.name, Err: m.err}, "stop failed")
		}
		c.clearValues()
		c.releaseAll()
		if c.failAsked {
			c.failAsked = false
			c.setFailure(c.failCause)
			c.setState(StateFailed)
			return
		}
		c.setState(StateDown)
	}
}

func (c *controller) clearValues() {
	for _, out := range c.decl.outputs {
		out.clear()
	}
	for _, inj := range c.decl.deps {
		inj.clear()
	}
}

func (c *controller) releaseAll() {
	for i := range c.slots {
		s := &c.slots[i]
		if s.held {
			s.held = false
			s.provider.release()
		}
	}
}

// tryAcquire is called by a dependent about to start. It succeeds only while
// this controller is up and advertised; a success pins it up until release.
func (c *controller) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available {
		return false
	}
	c.running++
	return true
}

func (c *controller) release() {
	c.mu.Lock()
	c.running--
	idle := c.running == 0
	c.mu.Unlock()
	if idle {
		c.sched.post(c, message{kind: msgEvaluate})
	}
}

// publish flips availability and returns the new epoch with the dependents
// to tell.
func (c *controller) publish(available bool) (uint64, []dependent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = available
	c.epoch++
	return c.epoch, append([]dependent(nil), c.dependents...)
}

func (c *controller) broadcast(available bool, epoch uint64, deps []dependent) {
	for _, d := range deps {
		c.sched.post(d.c, message{kind: msgAvailability, slot: d.slot, from: c, epoch: epoch, available: available})
	}
}

func (c *controller) finishRemoval() {
	c.sendDemand(false)
	c.ct.unregister(c)
	c.setState(StateRemoved)
}

func (c *controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	ev := Event{Name: c.name, From: from, To: to, Err: c.failure, Generation: c.gen}
	c.mu.Unlock()
	c.ct.emit(c, ev)
}

func (c *controller) setFailure(err error) {
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
}

func (c *controller) bumpGen() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

func (c *controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// watch returns the current state, a channel closed on the next transition
// and the failure cause, if any.
func (c *controller) watch() (State, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.changed, c.failure
}

func (c *controller) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *controller) addDependent(d dependent) (bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependents = append(c.dependents, d)
	return c.available, c.epoch
}

func (c *controller) removeDependent(d dependent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.dependents {
		if cur == d {
			c.dependents = append(c.dependents[:i], c.dependents[i+1:]...)
			return
		}
	}
}

func (c *controller) takeDependents() []dependent {
	c.mu.Lock()
	defer c.mu.Unlock()
	deps := c.dependents
	c.dependents = nil
	return deps
}
