package resolver

import (
	"github.com/anvil-platform/servicegraph/internal/semver"
)

// Provider is one capability advertised by an installed (or incoming) service.
type Provider struct {
	// Key is the canonical capability name, including any dynamic parts.
	Key     string
	Owner   string
	Version semver.Version
}

// Requirement is a consumer's dependency on a capability.
type Requirement struct {
	Consumer   string
	Key        string
	Constraint semver.Constraint
	Optional   bool
}

// Input is the view of a batch the resolver validates.
//
// Base holds providers already live in the registry. It is only read.
type Input struct {
	Base         *Index
	Incoming     []Provider
	Requirements []Requirement
}

// Plan is the outcome of resolving a batch against the live registry.
type Plan struct {
	Bindings    []Binding
	Conflicts   []Conflict
	Diagnostics Diagnostics
}

// Binding pairs a requirement with the provider that satisfies it.
type Binding struct {
	Requirement Requirement
	Provider    Provider
}

// Conflict reports a capability claimed by more than one service.
type Conflict struct {
	Key    string
	Owners []string
}

// Diagnostics captures requirements that have no acceptable provider yet.
//
// Unresolved requirements are not errors: the engine keeps them pending and
// binds them when a matching provider is installed.
type Diagnostics struct {
	UnresolvedRequired []UnresolvedRequirement
	UnresolvedOptional []UnresolvedRequirement
}

type UnresolvedRequirement struct {
	Consumer string
	Key      string
	Reason   string
}
