package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/anvil-platform/servicegraph/internal/semver"
)

func prov(key, owner, version string) Provider {
	return Provider{Key: key, Owner: owner, Version: semver.MustParseVersion(version)}
}

func req(consumer, key, constraint string, optional bool) Requirement {
	return Requirement{Consumer: consumer, Key: key, Constraint: semver.MustParseConstraint(constraint), Optional: optional}
}

func TestIndex_AddRejectsSecondOwner(t *testing.T) {
	x := NewIndex()
	if err := x.Add(prov("cap.timer", "timer-a", "1.0.0")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Re-adding for the same owner is fine.
	if err := x.Add(prov("cap.timer", "timer-a", "1.1.0")); err != nil {
		t.Fatalf("re-Add same owner: %v", err)
	}
	err := x.Add(prov("cap.timer", "timer-b", "1.0.0"))
	if !errors.Is(err, ErrCapabilityConflict) {
		t.Fatalf("expected ErrCapabilityConflict, got %v", err)
	}
	p, ok := x.Get("cap.timer")
	if !ok || p.Owner != "timer-a" {
		t.Fatalf("expected timer-a to keep the capability, got %+v", p)
	}
}

func TestIndex_RemoveOwnerReleasesKeys(t *testing.T) {
	x := NewIndex()
	_ = x.Add(prov("cap.b", "svc", ""))
	_ = x.Add(prov("cap.a", "svc", ""))
	_ = x.Add(prov("cap.c", "other", ""))

	released := x.RemoveOwner("svc")
	if len(released) != 2 || released[0] != "cap.a" || released[1] != "cap.b" {
		t.Fatalf("unexpected released keys %v", released)
	}
	if x.Len() != 1 {
		t.Fatalf("expected one remaining capability, got %d", x.Len())
	}
	if got := x.RemoveOwner("svc"); got != nil {
		t.Fatalf("expected second removal to be empty, got %v", got)
	}
}

func TestIndex_WithoutLeavesOriginalAlone(t *testing.T) {
	x := NewIndex()
	_ = x.Add(prov("cap.a", "svc", ""))
	_ = x.Add(prov("cap.b", "other", ""))

	y := x.Without("svc")
	if _, ok := y.Get("cap.a"); ok {
		t.Fatalf("expected cap.a to be dropped from the copy")
	}
	if p, ok := y.Get("cap.b"); !ok || p.Owner != "other" {
		t.Fatalf("expected cap.b to survive, got %+v", p)
	}
	if err := y.Add(prov("cap.a", "new", "")); err != nil {
		t.Fatalf("expected cap.a to be free in the copy: %v", err)
	}
	if p, _ := x.Get("cap.a"); p.Owner != "svc" || x.Len() != 2 {
		t.Fatalf("original index changed: %+v, len %d", p, x.Len())
	}
	if got := (*Index)(nil).Without("svc").Len(); got != 0 {
		t.Fatalf("expected empty copy of nil index, got %d", got)
	}
}

func TestIndex_MatchChecksConstraint(t *testing.T) {
	x := NewIndex()
	_ = x.Add(prov("cap.physics", "physics", "1.5.0"))

	if _, _, ok := x.Match(req("c", "cap.physics", "^1.2.0", false)); !ok {
		t.Fatalf("expected ^1.2.0 to match 1.5.0")
	}
	_, reason, ok := x.Match(req("c", "cap.physics", "^2.0.0", false))
	if ok {
		t.Fatalf("expected ^2.0.0 to reject 1.5.0")
	}
	if reason == "" {
		t.Fatalf("expected a reason for the mismatch")
	}
	if _, reason, ok := x.Match(req("c", "cap.none", "*", false)); ok || reason != "no provider installed" {
		t.Fatalf("expected missing provider, got ok=%v reason=%q", ok, reason)
	}
}

func TestDefaultResolver_BindsAgainstUnion(t *testing.T) {
	base := NewIndex()
	_ = base.Add(prov("cap.ds", "datasource", "2.0.0"))

	plan, err := NewDefault().Resolve(context.Background(), Input{
		Base:     base,
		Incoming: []Provider{prov("cap.timer", "timer", "1.0.0")},
		Requirements: []Requirement{
			req("store", "cap.timer", "*", false),
			req("store", "cap.ds", ">=2.0.0", false),
			req("store", "cap.naming", "*", true),
			req("store", "cap.txn", "*", false),
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %+v", plan.Bindings)
	}
	if plan.Bindings[0].Provider.Owner != "datasource" || plan.Bindings[1].Provider.Owner != "timer" {
		t.Fatalf("expected bindings sorted by key, got %+v", plan.Bindings)
	}
	if len(plan.Diagnostics.UnresolvedOptional) != 1 || plan.Diagnostics.UnresolvedOptional[0].Key != "cap.naming" {
		t.Fatalf("unexpected optional diagnostics %+v", plan.Diagnostics.UnresolvedOptional)
	}
	if len(plan.Diagnostics.UnresolvedRequired) != 1 || plan.Diagnostics.UnresolvedRequired[0].Key != "cap.txn" {
		t.Fatalf("unexpected required diagnostics %+v", plan.Diagnostics.UnresolvedRequired)
	}
	if base.Len() != 1 {
		t.Fatalf("Resolve must not mutate the base index")
	}
}

func TestDefaultResolver_ReportsConflicts(t *testing.T) {
	base := NewIndex()
	_ = base.Add(prov("cap.timer", "timer-live", ""))

	plan, err := NewDefault().Resolve(context.Background(), Input{
		Base: base,
		Incoming: []Provider{
			prov("cap.timer", "timer-new", ""),
			prov("cap.ds", "ds-1", ""),
			prov("cap.ds", "ds-2", ""),
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %+v", plan.Conflicts)
	}
	if plan.Conflicts[0].Key != "cap.ds" || plan.Conflicts[1].Key != "cap.timer" {
		t.Fatalf("expected conflicts sorted by key, got %+v", plan.Conflicts)
	}
	if plan.Conflicts[1].Owners[0] != "timer-live" || plan.Conflicts[1].Owners[1] != "timer-new" {
		t.Fatalf("unexpected owners %+v", plan.Conflicts[1].Owners)
	}
}

func TestDefaultResolver_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDefault().Resolve(ctx, Input{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
