package resolver

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/anvil-platform/servicegraph/internal/semver"
)

// Index maps each capability key to the one service providing it.
// It is not safe for concurrent use; the engine guards it with the registry lock.
type Index struct {
	providers map[string]Provider
	byOwner   map[string]sets.Set[string]
}

func NewIndex() *Index {
	return &Index{
		providers: make(map[string]Provider),
		byOwner:   make(map[string]sets.Set[string]),
	}
}

func (x *Index) Get(key string) (Provider, bool) {
	if x == nil {
		return Provider{}, false
	}
	p, ok := x.providers[key]
	return p, ok
}

// Add registers p. A key already held by a different owner is a conflict.
func (x *Index) Add(p Provider) error {
	if cur, ok := x.providers[p.Key]; ok && cur.Owner != p.Owner {
		return fmt.Errorf("%w: %s is provided by %s, not %s", ErrCapabilityConflict, p.Key, cur.Owner, p.Owner)
	}
	x.providers[p.Key] = p
	owned, ok := x.byOwner[p.Owner]
	if !ok {
		owned = sets.New[string]()
		x.byOwner[p.Owner] = owned
	}
	owned.Insert(p.Key)
	return nil
}

// RemoveOwner drops every capability owned by owner and returns the released
// keys in sorted order.
func (x *Index) RemoveOwner(owner string) []string {
	owned, ok := x.byOwner[owner]
	if !ok {
		return nil
	}
	delete(x.byOwner, owner)
	for key := range owned {
		delete(x.providers, key)
	}
	return sets.List(owned)
}

// Without returns a copy of x minus every capability held by owners.
func (x *Index) Without(owners ...string) *Index {
	drop := sets.New(owners...)
	out := NewIndex()
	if x == nil {
		return out
	}
	for owner, keys := range x.byOwner {
		if drop.Has(owner) {
			continue
		}
		out.byOwner[owner] = keys.Clone()
		for key := range keys {
			out.providers[key] = x.providers[key]
		}
	}
	return out
}

func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.providers)
}

// Match finds the provider for r. When there is none, reason says why.
func (x *Index) Match(r Requirement) (Provider, string, bool) {
	p, ok := x.Get(r.Key)
	if !ok {
		return Provider{}, "no provider installed", false
	}
	if !semver.Satisfies(p.Version, r.Constraint) {
		return Provider{}, versionMismatch(p, r), false
	}
	return p, "", true
}

// Keys returns all capability keys in sorted order.
func (x *Index) Keys() []string {
	keys := make([]string, 0, len(x.providers))
	for k := range x.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func versionMismatch(p Provider, r Requirement) string {
	v := p.Version.String()
	if v == "" {
		v = "unversioned"
	}
	return fmt.Sprintf("provider %s version %s does not satisfy %s", p.Owner, v, r.Constraint)
}
