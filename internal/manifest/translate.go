package manifest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
	"github.com/anvil-platform/servicegraph/engine"
)

// Runtime is what a Factory gets to build a service body.
type Runtime struct {
	Name   engine.Name
	Config map[string]string
	// Deps are in manifest order.
	Deps []*engine.Injector
	// Outputs are in manifest order.
	Outputs []*engine.Output
	Log     logr.Logger
}

// Factory builds the start and stop bodies for one manifest type.
type Factory func(rt Runtime) (engine.Service, error)

// Catalog maps spec.type to a Factory.
type Catalog map[string]Factory

const DefaultType = "noop"

// DefaultCatalog returns the built-in types:
//
//	noop   publishes config["value"] (or the service name) on every output
//	sleep  like noop, after waiting config["startDelay"] on start and config["stopDelay"] on stop
//	fail   fails to start with config["message"]
func DefaultCatalog() Catalog {
	return Catalog{
		"noop":  noopFactory,
		"sleep": sleepFactory,
		"fail":  failFactory,
	}
}

// Types lists the registered type names in order.
func (c Catalog) Types() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Translate adds m to b and returns the builder. Name, mode and version
// problems surface from b.Install as engine.ErrInvalidDeclaration; problems
// only the manifest layer can see are returned here.
func Translate(b *engine.Batch, m *sgv1alpha1.ServiceManifest, cat Catalog, log logr.Logger) (*engine.Builder, error) {
	name, err := engine.ParseName(m.Spec.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", m.Name, err)
	}
	mode, err := engine.ParseMode(string(m.Spec.Mode))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", m.Name, err)
	}
	typ := m.Spec.Type
	if typ == "" {
		typ = DefaultType
	}
	factory, ok := cat[typ]
	if !ok {
		return nil, fmt.Errorf("manifest %s: unknown type %q", m.Name, typ)
	}

	bl := b.AddService(name, mode)
	rt := Runtime{
		Name:   name,
		Config: copyConfig(m.Spec.Config),
		Log:    log.WithValues("service", name.String()),
	}
	for i, d := range m.Spec.Requires {
		inj, err := addDependency(bl, d)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: requires[%d]: %w", m.Name, i, err)
		}
		rt.Deps = append(rt.Deps, inj)
	}
	for i, p := range m.Spec.Provides {
		out, err := addOutput(bl, p)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: provides[%d]: %w", m.Name, i, err)
		}
		rt.Outputs = append(rt.Outputs, out)
	}

	svc, err := factory(rt)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: type %s: %w", m.Name, typ, err)
	}
	bl.SetService(svc)
	return bl, nil
}

func addDependency(bl *engine.Builder, d sgv1alpha1.ServiceDependency) (*engine.Injector, error) {
	optional := false
	switch d.DependencyMode {
	case "", sgv1alpha1.DependencyModeRequired:
	case sgv1alpha1.DependencyModeOptional:
		optional = true
	default:
		return nil, fmt.Errorf("unknown dependencyMode %q", d.DependencyMode)
	}

	switch {
	case d.Name != "" && d.Capability != "":
		return nil, fmt.Errorf("name and capability are mutually exclusive")
	case d.Capability != "":
		if optional {
			return bl.RequiresOptionalCapability(d.Capability, d.VersionConstraint, d.DynamicParts...), nil
		}
		return bl.RequiresCapability(d.Capability, d.VersionConstraint, d.DynamicParts...), nil
	case d.Name != "":
		if d.VersionConstraint != "" {
			return nil, fmt.Errorf("versionConstraint only applies to capabilities")
		}
		n, err := engine.ParseName(d.Name)
		if err != nil {
			return nil, err
		}
		if optional {
			return bl.RequiresOptional(n), nil
		}
		return bl.Requires(n), nil
	}
	return nil, fmt.Errorf("one of name or capability is required")
}

func addOutput(bl *engine.Builder, p sgv1alpha1.ServiceOutput) (*engine.Output, error) {
	switch {
	case p.Name != "" && p.Capability != "":
		return nil, fmt.Errorf("name and capability are mutually exclusive")
	case p.Capability != "":
		return bl.ProvidesCapability(p.Capability, p.Version, p.DynamicParts...), nil
	case p.Name != "":
		n, err := engine.ParseName(p.Name)
		if err != nil {
			return nil, err
		}
		return bl.Provides(n), nil
	}
	return nil, fmt.Errorf("one of name or capability is required")
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type funcService struct {
	start engine.StartFunc
	stop  engine.StopFunc
}

func (s funcService) Start(ctx context.Context) error { return run(ctx, s.start) }
func (s funcService) Stop(ctx context.Context) error  { return run(ctx, s.stop) }

func run(ctx context.Context, f func(context.Context) error) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

func publishAll(rt Runtime) {
	v := rt.Config["value"]
	if v == "" {
		v = rt.Name.String()
	}
	for _, o := range rt.Outputs {
		o.Set(v)
	}
}

func noopFactory(rt Runtime) (engine.Service, error) {
	return funcService{
		start: func(context.Context) error {
			publishAll(rt)
			rt.Log.V(1).Info("started")
			return nil
		},
		stop: func(context.Context) error {
			rt.Log.V(1).Info("stopped")
			return nil
		},
	}, nil
}

func sleepFactory(rt Runtime) (engine.Service, error) {
	startDelay, err := durationConfig(rt.Config, "startDelay")
	if err != nil {
		return nil, err
	}
	stopDelay, err := durationConfig(rt.Config, "stopDelay")
	if err != nil {
		return nil, err
	}
	return funcService{
		start: func(ctx context.Context) error {
			if err := sleep(ctx, startDelay); err != nil {
				return err
			}
			publishAll(rt)
			return nil
		},
		stop: func(ctx context.Context) error {
			return sleep(ctx, stopDelay)
		},
	}, nil
}

func failFactory(rt Runtime) (engine.Service, error) {
	msg := rt.Config["message"]
	if msg == "" {
		msg = "configured to fail"
	}
	return funcService{
		start: func(context.Context) error { return fmt.Errorf("%s", msg) },
	}, nil
}

// durationConfig accepts Go durations ("250ms") or plain milliseconds.
func durationConfig(cfg map[string]string, key string) (time.Duration, error) {
	raw, ok := cfg[key]
	if !ok || raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config %s: invalid duration %q", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
