package resolver

import (
	"context"
	"sort"
)

// Resolver computes a Plan for a batch of incoming providers and requirements.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (Plan, error)
}

// DefaultResolver binds requirements against the union of the live index and
// the incoming providers. It never mutates in.Base.
type DefaultResolver struct{}

func NewDefault() *DefaultResolver {
	return &DefaultResolver{}
}

func (r *DefaultResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, err
	}

	plan := Plan{}

	// Overlay incoming providers on top of the live index.
	overlay := make(map[string]Provider, len(in.Incoming))
	claims := make(map[string][]string)
	for _, p := range in.Incoming {
		if live, ok := in.Base.Get(p.Key); ok && live.Owner != p.Owner {
			claims[p.Key] = appendOwner(claims[p.Key], live.Owner)
		}
		claims[p.Key] = appendOwner(claims[p.Key], p.Owner)
		overlay[p.Key] = p
	}
	for key, owners := range claims {
		if len(owners) > 1 {
			sort.Strings(owners)
			plan.Conflicts = append(plan.Conflicts, Conflict{Key: key, Owners: owners})
		}
	}
	sort.Slice(plan.Conflicts, func(i, j int) bool { return plan.Conflicts[i].Key < plan.Conflicts[j].Key })

	union := NewIndex()
	for _, key := range in.Base.keysOrNil() {
		p, _ := in.Base.Get(key)
		union.providers[key] = p
	}
	for key, p := range overlay {
		union.providers[key] = p
	}

	for _, req := range in.Requirements {
		p, reason, ok := union.Match(req)
		if !ok {
			addUnresolved(&plan.Diagnostics, req, reason)
			continue
		}
		plan.Bindings = append(plan.Bindings, Binding{Requirement: req, Provider: p})
	}

	sort.SliceStable(plan.Bindings, func(i, j int) bool {
		a, b := plan.Bindings[i].Requirement, plan.Bindings[j].Requirement
		if a.Consumer != b.Consumer {
			return a.Consumer < b.Consumer
		}
		return a.Key < b.Key
	})

	return plan, nil
}

func (x *Index) keysOrNil() []string {
	if x == nil {
		return nil
	}
	return x.Keys()
}

func appendOwner(owners []string, owner string) []string {
	for _, o := range owners {
		if o == owner {
			return owners
		}
	}
	return append(owners, owner)
}

func addUnresolved(diag *Diagnostics, req Requirement, reason string) {
	unresolved := UnresolvedRequirement{
		Consumer: req.Consumer,
		Key:      req.Key,
		Reason:   reason,
	}
	if req.Optional {
		diag.UnresolvedOptional = append(diag.UnresolvedOptional, unresolved)
		return
	}
	diag.UnresolvedRequired = append(diag.UnresolvedRequired, unresolved)
}
