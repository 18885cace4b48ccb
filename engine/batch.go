package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anvil-platform/servicegraph/internal/graph"
	"github.com/anvil-platform/servicegraph/internal/resolver"
)

// Outcome is what installing a batch did to one declaration.
type Outcome int

const (
	OutcomeInstalled Outcome = iota
	// OutcomeDeferred means the service is installed but waits for a required
	// dependency that is absent or has no matching version.
	OutcomeDeferred
	OutcomeDuplicateName
	OutcomeDuplicateCapability
	OutcomeCycle
	OutcomeInvalid
	// OutcomeRejected marks a declaration refused because another member of
	// its batch was.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstalled:
		return "Installed"
	case OutcomeDeferred:
		return "Deferred"
	case OutcomeDuplicateName:
		return "DuplicateName"
	case OutcomeDuplicateCapability:
		return "DuplicateCapability"
	case OutcomeCycle:
		return "Cycle"
	case OutcomeInvalid:
		return "Invalid"
	case OutcomeRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Batch collects declarations that are installed together or not at all.
type Batch struct {
	ct        *Container
	id        uuid.UUID
	builders  []*Builder
	installed bool
}

func (ct *Container) NewBatch() *Batch {
	return &Batch{ct: ct, id: uuid.New()}
}

func (b *Batch) ID() uuid.UUID { return b.id }

func (b *Batch) Len() int { return len(b.builders) }

// AddService starts a declaration. The returned builder is read when the
// batch is installed.
func (b *Batch) AddService(name Name, mode Mode) *Builder {
	bl := &Builder{name: name, mode: mode}
	b.builders = append(b.builders, bl)
	return bl
}

// Install validates the whole batch against the live registry and, when
// nothing is wrong, creates every controller. On error the registry is
// unchanged and the result says which declarations were at fault.
func (b *Batch) Install(ctx context.Context) (*InstallResult, error) {
	if b.installed {
		return nil, ErrBatchInstalled
	}
	b.installed = true
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.ct.install(ctx, b)
}

// InstallResult reports the outcome of every declaration in a batch.
type InstallResult struct {
	BatchID uuid.UUID
	futures []*Future
	byName  map[Name]*Future
}

// Service returns the future for name, or nil if the batch did not declare it.
func (r *InstallResult) Service(name Name) *Future {
	return r.byName[name]
}

// Services returns futures in declaration order.
func (r *InstallResult) Services() []*Future {
	return append([]*Future(nil), r.futures...)
}

func (r *InstallResult) reject(err error) error {
	for _, f := range r.futures {
		f.err = err
	}
	return err
}

// Future tracks one declaration after Install.
type Future struct {
	ct      *Container
	c       *controller
	name    Name
	outcome Outcome
	err     error
}

func (f *Future) Name() Name { return f.name }

func (f *Future) Outcome() Outcome { return f.outcome }

// Installed reports whether a controller was created for the declaration.
func (f *Future) Installed() bool {
	return f.c != nil
}

// Err is the reason a rejected declaration was not installed.
func (f *Future) Err() error { return f.err }

// AwaitUp blocks until the service is UP, cannot get there without outside
// help, or ctx ends. It returns nil on UP, the failure cause when FAILED,
// and an error wrapping ErrMissingRequiredDependency, ErrDependencyFailed,
// ErrNotDemanded or ErrNeverMode when the graph settled with the service
// still down.
func (f *Future) AwaitUp(ctx context.Context) error {
	if f.c == nil {
		return f.err
	}
	return f.ct.awaitUp(ctx, f.c)
}

// Check runs every install check on the batch as if the services named in
// replacing were already removed, and changes nothing. The batch can still
// be installed afterwards.
func (b *Batch) Check(ctx context.Context, replacing ...Name) (*InstallResult, error) {
	if b.installed {
		return nil, ErrBatchInstalled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	skip := make(map[Name]bool, len(replacing))
	for _, n := range replacing {
		skip[n] = true
	}
	res, decls, err := b.declarations()
	if err != nil {
		return res, err
	}
	b.ct.mu.Lock()
	defer b.ct.mu.Unlock()
	if _, err := b.ct.validateLocked(ctx, decls, res, skip); err != nil {
		return res, err
	}
	return res, nil
}

func (ct *Container) install(ctx context.Context, b *Batch) (*InstallResult, error) {
	res, decls, err := b.declarations()
	if err != nil {
		return res, err
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, err := ct.validateLocked(ctx, decls, res, nil); err != nil {
		return res, err
	}

	ct.commitLocked(decls, res)
	ct.log.Info("installed batch", "batch", b.id.String(), "services", len(decls))
	return res, nil
}

func (b *Batch) declarations() (*InstallResult, []*declaration, error) {
	res := &InstallResult{BatchID: b.id, byName: make(map[Name]*Future, len(b.builders))}
	for _, bl := range b.builders {
		f := &Future{ct: b.ct, name: bl.name, outcome: OutcomeRejected}
		res.futures = append(res.futures, f)
		if _, ok := res.byName[bl.name]; !ok {
			res.byName[bl.name] = f
		}
	}

	decls := make([]*declaration, len(b.builders))
	var invalid []error
	for i, bl := range b.builders {
		d, err := bl.finalize()
		if err != nil {
			res.futures[i].outcome = OutcomeInvalid
			invalid = append(invalid, err)
			continue
		}
		decls[i] = d
	}
	if len(invalid) > 0 {
		return res, nil, res.reject(errors.Join(invalid...))
	}
	return res, decls, nil
}

// validateLocked checks decls against the registry with the services in
// skip treated as absent. On error every future carries it.
func (ct *Container) validateLocked(ctx context.Context, decls []*declaration, res *InstallResult, skip map[Name]bool) (resolver.Plan, error) {
	log := ct.log.WithValues("batch", res.BatchID.String())
	if ct.closed {
		return resolver.Plan{}, res.reject(ErrContainerClosed)
	}

	if err := ct.checkNamesLocked(decls, res, skip); err != nil {
		log.Info("batch rejected", "reason", err.Error())
		return resolver.Plan{}, res.reject(err)
	}

	plan, err := ct.resolveBatchLocked(ctx, decls, skip)
	if err != nil {
		return plan, res.reject(err)
	}
	if len(plan.Conflicts) > 0 {
		err := conflictError(plan.Conflicts, decls, res)
		log.Info("batch rejected", "reason", err.Error())
		return plan, res.reject(err)
	}
	for _, u := range plan.Diagnostics.UnresolvedRequired {
		log.V(1).Info("required capability pending", "consumer", u.Consumer, "capability", u.Key, "reason", u.Reason)
	}

	if cerr := ct.checkCyclesLocked(decls, plan, res, skip); cerr != nil {
		log.Info("batch rejected", "reason", cerr.Error())
		return plan, res.reject(cerr)
	}
	return plan, nil
}

func (ct *Container) checkNamesLocked(decls []*declaration, res *InstallResult, skip map[Name]bool) error {
	seen := make(map[Name]int)
	var errs []error
	for i, d := range decls {
		for _, n := range append([]Name{d.name}, d.aliases()...) {
			j, inBatch := seen[n]
			p, live := ct.names[n]
			live = live && !skip[p.name]
			if live || (inBatch && j != i) {
				res.futures[i].outcome = OutcomeDuplicateName
				errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateServiceName, n))
				continue
			}
			seen[n] = i
		}
	}
	return errors.Join(errs...)
}

// resolveBatchLocked runs the resolver over the batch's capabilities plus
// the required capability edges already pending in the registry, so the
// cycle check sees what the batch would bind.
func (ct *Container) resolveBatchLocked(ctx context.Context, decls []*declaration, skip map[Name]bool) (resolver.Plan, error) {
	in := resolver.Input{Base: ct.caps}
	if len(skip) > 0 {
		owners := make([]string, 0, len(skip))
		for n := range skip {
			owners = append(owners, n.s)
		}
		in.Base = ct.caps.Without(owners...)
	}
	for _, d := range decls {
		for _, out := range d.capabilities() {
			in.Incoming = append(in.Incoming, resolver.Provider{Key: out.target.name.s, Owner: d.name.s, Version: out.version})
		}
		for _, dep := range d.deps {
			if dep.target.capability {
				in.Requirements = append(in.Requirements, resolver.Requirement{
					Consumer:   d.name.s,
					Key:        dep.target.name.s,
					Constraint: dep.constraint,
					Optional:   !dep.required,
				})
			}
		}
	}
	for key, edges := range ct.pending {
		if !strings.HasPrefix(key, "cap:") {
			continue
		}
		for _, e := range edges {
			dep := e.c.decl.deps[e.slot]
			if !dep.required || skip[e.c.name] {
				continue
			}
			in.Requirements = append(in.Requirements, resolver.Requirement{
				Consumer:   e.c.name.s,
				Key:        dep.target.name.s,
				Constraint: dep.constraint,
			})
		}
	}
	// Live consumers bound to a replaced provider bind again.
	for n, c := range ct.services {
		if skip[n] {
			continue
		}
		for i, dep := range c.decl.deps {
			if p := c.boundTo[i]; p != nil && skip[p.name] && dep.required && dep.target.capability {
				in.Requirements = append(in.Requirements, resolver.Requirement{
					Consumer:   c.name.s,
					Key:        dep.target.name.s,
					Constraint: dep.constraint,
				})
			}
		}
	}
	return ct.resolver.Resolve(ctx, in)
}

func conflictError(conflicts []resolver.Conflict, decls []*declaration, res *InstallResult) error {
	inBatch := make(map[string]int, len(decls))
	for i, d := range decls {
		inBatch[d.name.s] = i
	}
	errs := make([]error, 0, len(conflicts))
	for _, c := range conflicts {
		for _, owner := range c.Owners {
			if i, ok := inBatch[owner]; ok {
				res.futures[i].outcome = OutcomeDuplicateCapability
			}
		}
		errs = append(errs, fmt.Errorf("%w: %s claimed by %s", ErrDuplicateCapability, c.Key, strings.Join(c.Owners, ", ")))
	}
	return errors.Join(errs...)
}

// checkCyclesLocked builds the required-edge graph the registry would have
// after the batch and rejects it if that graph has a cycle.
func (ct *Container) checkCyclesLocked(decls []*declaration, plan resolver.Plan, res *InstallResult, skip map[Name]bool) error {
	bound := make(map[string]string, len(plan.Bindings))
	for _, b := range plan.Bindings {
		bound[b.Requirement.Consumer+"\x00"+b.Requirement.Key] = b.Provider.Owner
	}
	batchNames := make(map[Name]*declaration)
	for _, d := range decls {
		batchNames[d.name] = d
		for _, a := range d.aliases() {
			batchNames[a] = d
		}
	}
	resolve := func(consumer Name, dep *Injector) (string, bool) {
		if dep.target.capability {
			owner, ok := bound[consumer.s+"\x00"+dep.target.name.s]
			return owner, ok
		}
		if p, ok := ct.names[dep.target.name]; ok && !skip[p.name] {
			return p.name.s, true
		}
		if d, ok := batchNames[dep.target.name]; ok {
			return d.name.s, true
		}
		return "", false
	}

	g := graph.New()
	for _, n := range ct.sortedServicesLocked() {
		if skip[n] {
			continue
		}
		c := ct.services[n]
		from := g.AddNode(n.s)
		for i, dep := range c.decl.deps {
			if !dep.required {
				continue
			}
			if p := c.boundTo[i]; p != nil && !skip[p.name] {
				g.AddEdge(from, g.AddNode(p.name.s), true)
			} else if to, ok := resolve(c.name, dep); ok {
				g.AddEdge(from, g.AddNode(to), true)
			}
		}
	}
	for _, d := range decls {
		from := g.AddNode(d.name.s)
		for _, dep := range d.deps {
			if !dep.required {
				continue
			}
			if to, ok := resolve(d.name, dep); ok {
				g.AddEdge(from, g.AddNode(to), true)
			}
		}
	}

	path := g.FindRequiredCycle()
	if path == nil {
		return nil
	}
	cerr := &CycleError{Path: make([]Name, len(path))}
	onCycle := make(map[string]bool, len(path))
	for i, k := range path {
		cerr.Path[i] = Name{s: k}
		onCycle[k] = true
	}
	for i, d := range decls {
		if onCycle[d.name.s] {
			res.futures[i].outcome = OutcomeCycle
		}
	}
	return cerr
}

func (ct *Container) commitLocked(decls []*declaration, res *InstallResult) {
	created := make([]*controller, len(decls))
	for i, d := range decls {
		c := newController(ct, d)
		created[i] = c
		ct.services[d.name] = c
		ct.names[d.name] = c
		for _, a := range d.aliases() {
			ct.names[a] = c
		}
		for _, out := range d.capabilities() {
			// Conflicts were ruled out by the resolver.
			_ = ct.caps.Add(resolver.Provider{Key: out.target.name.s, Owner: d.name.s, Version: out.version})
		}
		ct.metrics.observeCreated()
	}

	for _, c := range created {
		for i, dep := range c.decl.deps {
			d := dependent{c: c, slot: i}
			if p := ct.resolveLocked(dep); p != nil {
				ct.link(p, d)
			} else {
				ct.addPending(d)
			}
		}
	}
	for _, c := range created {
		ct.bindPendingLocked(c)
	}

	for i, c := range created {
		f := res.futures[i]
		f.c = c
		f.outcome = OutcomeInstalled
		if missing := c.missingLocked(); len(missing) > 0 {
			f.outcome = OutcomeDeferred
			c.log.Info("installed with missing required dependencies", "missing", missing)
		}
		ct.sched.post(c, message{kind: msgEvaluate})
	}
}
