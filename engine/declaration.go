package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/anvil-platform/servicegraph/internal/semver"
)

// StartFunc is a service's start body. It runs on a task worker and may
// block. Returning an error leaves the service FAILED.
type StartFunc func(ctx context.Context) error

// StopFunc is a service's stop body. Errors are logged; the service still
// reaches DOWN.
type StopFunc func(ctx context.Context) error

// Service is the interface form of a start/stop pair.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// target is what a dependency or output refers to: a service name, or a
// capability resolved through the capability index.
type target struct {
	capability bool
	name       Name
}

func (t target) key() string {
	if t.capability {
		return "cap:" + t.name.s
	}
	return "name:" + t.name.s
}

func (t target) String() string {
	if t.capability {
		return "capability " + t.name.s
	}
	return t.name.s
}

// Injector receives the value of one dependency. It is filled right before
// the owner's start body runs and cleared once the owner leaves UP.
type Injector struct {
	target     target
	required   bool
	constraint semver.Constraint

	mu      sync.RWMutex
	value   any
	present bool
}

// Target is the name or capability name the dependency points at.
func (i *Injector) Target() Name { return i.target.name }

func (i *Injector) IsCapability() bool { return i.target.capability }

func (i *Injector) Required() bool { return i.required }

// Get returns the injected value, or nil outside an UP episode or when an
// optional dependency was absent at start.
func (i *Injector) Get() any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.value
}

// Present reports whether the dependency was bound when the owner started.
func (i *Injector) Present() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.present
}

func (i *Injector) inject(v any) {
	i.mu.Lock()
	i.value, i.present = v, true
	i.mu.Unlock()
}

func (i *Injector) clear() {
	i.mu.Lock()
	i.value, i.present = nil, false
	i.mu.Unlock()
}

// Value returns the injected value as T.
func Value[T any](i *Injector) (T, bool) {
	v, ok := i.Get().(T)
	return v, ok
}

// Output is a value a service publishes to its dependents. The start body
// sets it; it is cleared when the service leaves UP.
type Output struct {
	target  target
	version semver.Version

	mu    sync.RWMutex
	value any
}

// Set publishes v. Call it from the start body.
func (o *Output) Set(v any) {
	o.mu.Lock()
	o.value = v
	o.mu.Unlock()
}

func (o *Output) Name() Name { return o.target.name }

func (o *Output) get() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

func (o *Output) clear() { o.Set(nil) }

// Builder describes one service of a batch. Validation happens when the
// batch is installed.
type Builder struct {
	name     Name
	mode     Mode
	deps     []*Injector
	outputs  []*Output
	start    StartFunc
	stop     StopFunc
	problems []string
}

func (b *Builder) Name() Name { return b.name }

func (b *Builder) Mode() Mode { return b.mode }

// Requires declares a required dependency on a service name.
func (b *Builder) Requires(name Name) *Injector {
	return b.addDep(target{name: name}, true, semver.Any)
}

// RequiresOptional declares a dependency that does not block start.
func (b *Builder) RequiresOptional(name Name) *Injector {
	return b.addDep(target{name: name}, false, semver.Any)
}

// RequiresCapability declares a required dependency on a capability.
// constraint may be empty to accept any provider version.
func (b *Builder) RequiresCapability(id, constraint string, dynamic ...string) *Injector {
	return b.capabilityDep(id, constraint, true, dynamic)
}

func (b *Builder) RequiresOptionalCapability(id, constraint string, dynamic ...string) *Injector {
	return b.capabilityDep(id, constraint, false, dynamic)
}

func (b *Builder) capabilityDep(id, constraint string, required bool, dynamic []string) *Injector {
	n, err := CapabilityName(id, dynamic...)
	if err != nil {
		b.problems = append(b.problems, err.Error())
	}
	c, err := semver.ParseConstraint(constraint)
	if err != nil {
		b.problems = append(b.problems, err.Error())
		c = semver.Any
	}
	return b.addDep(target{capability: true, name: n}, required, c)
}

func (b *Builder) addDep(t target, required bool, c semver.Constraint) *Injector {
	inj := &Injector{target: t, required: required, constraint: c}
	b.deps = append(b.deps, inj)
	return inj
}

// Provides publishes an output under an additional service name. Providing
// the service's own name gives dependents of that name a value.
func (b *Builder) Provides(name Name) *Output {
	out := &Output{target: target{name: name}}
	b.outputs = append(b.outputs, out)
	return out
}

// ProvidesCapability advertises a capability with an optional version.
func (b *Builder) ProvidesCapability(id, version string, dynamic ...string) *Output {
	n, err := CapabilityName(id, dynamic...)
	if err != nil {
		b.problems = append(b.problems, err.Error())
	}
	v, err := semver.ParseVersion(version)
	if err != nil {
		b.problems = append(b.problems, err.Error())
	}
	out := &Output{target: target{capability: true, name: n}, version: v}
	b.outputs = append(b.outputs, out)
	return out
}

// SetRunnable sets the start and stop bodies. Either may be nil.
func (b *Builder) SetRunnable(start StartFunc, stop StopFunc) *Builder {
	b.start, b.stop = start, stop
	return b
}

func (b *Builder) SetService(s Service) *Builder {
	if s == nil {
		return b.SetRunnable(nil, nil)
	}
	return b.SetRunnable(s.Start, s.Stop)
}

// declaration is the immutable form of a Builder.
type declaration struct {
	name    Name
	mode    Mode
	deps    []*Injector
	outputs []*Output
	start   StartFunc
	stop    StopFunc
}

// Validate reports the problems Install would reject the declaration for,
// without touching the container.
func (b *Builder) Validate() error {
	_, err := b.finalize()
	return err
}

func (b *Builder) finalize() (*declaration, error) {
	problems := append([]string(nil), b.problems...)
	if b.name.IsZero() {
		problems = append(problems, "service name is empty")
	}
	if _, ok := modeNames[b.mode]; !ok {
		problems = append(problems, fmt.Sprintf("unknown mode %d", int(b.mode)))
	}

	own := map[string]bool{target{name: b.name}.key(): true}
	outputs := make(map[string]bool, len(b.outputs))
	for _, out := range b.outputs {
		if out.target.name.IsZero() {
			problems = append(problems, "output with empty name")
			continue
		}
		k := out.target.key()
		if outputs[k] {
			problems = append(problems, fmt.Sprintf("duplicate output %s", out.target))
		}
		outputs[k] = true
		own[k] = true
	}

	seen := make(map[string]bool, len(b.deps))
	for _, dep := range b.deps {
		if dep.target.name.IsZero() {
			problems = append(problems, "dependency with empty name")
			continue
		}
		k := dep.target.key()
		if seen[k] {
			problems = append(problems, fmt.Sprintf("duplicate dependency on %s", dep.target))
		}
		seen[k] = true
		if own[k] {
			problems = append(problems, fmt.Sprintf("service depends on itself through %s", dep.target))
		}
	}

	if len(problems) > 0 {
		return nil, &DeclarationError{Name: b.name, Problems: problems}
	}
	return &declaration{
		name:    b.name,
		mode:    b.mode,
		deps:    b.deps,
		outputs: b.outputs,
		start:   b.start,
		stop:    b.stop,
	}, nil
}

// aliases returns the additional names the service is registered under.
func (d *declaration) aliases() []Name {
	var names []Name
	for _, out := range d.outputs {
		if !out.target.capability && out.target.name != d.name {
			names = append(names, out.target.name)
		}
	}
	return names
}

func (d *declaration) capabilities() []*Output {
	var caps []*Output
	for _, out := range d.outputs {
		if out.target.capability {
			caps = append(caps, out)
		}
	}
	return caps
}

// output finds the output published under t, if any.
func (d *declaration) output(t target) *Output {
	for _, out := range d.outputs {
		if out.target == t {
			return out
		}
	}
	return nil
}
