package engine

import (
	"errors"
	"testing"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("jboss.data-source.ExampleDS")
	if err != nil {
		t.Fatalf("ParseName: %v", err)
	}
	if got := n.Segments(); len(got) != 3 || got[2] != "ExampleDS" {
		t.Fatalf("unexpected segments %v", got)
	}
	parent, ok := n.Parent()
	if !ok || parent.String() != "jboss.data-source" {
		t.Fatalf("unexpected parent %q (%v)", parent, ok)
	}
	if !parent.IsParentOf(n) || n.IsParentOf(parent) {
		t.Fatalf("IsParentOf is wrong for %s / %s", parent, n)
	}
	if MustParseName("jboss.data").IsParentOf(n) {
		t.Fatalf("a segment prefix is not a parent")
	}

	for _, bad := range []string{"", "a..b", ".a", "a.", "a b", "tab\tname", "bad\xffname", "x.\xc3"} {
		if _, err := ParseName(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestNameIsCaseSensitive(t *testing.T) {
	if MustParseName("a.B") == MustParseName("a.b") {
		t.Fatalf("names must be case sensitive")
	}
}

func TestNewNameAndAppend(t *testing.T) {
	n, err := NewName("org", "example", "timer")
	if err != nil {
		t.Fatalf("NewName: %v", err)
	}
	if n.String() != "org.example.timer" {
		t.Fatalf("unexpected name %s", n)
	}
	if _, err := NewName("org.example"); err == nil {
		t.Fatalf("expected a segment with a separator to be rejected")
	}
	if _, err := NewName(); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
	if got := n.Append("store", "", "a.b").String(); got != "org.example.timer.store.a.b" {
		t.Fatalf("unexpected Append result %s", got)
	}
	if _, ok := MustParseName("root").Parent(); ok {
		t.Fatalf("single-segment name has no parent")
	}
}

func TestCapabilityName(t *testing.T) {
	n, err := CapabilityName("org.wildfly.data-source", "ExampleDS")
	if err != nil {
		t.Fatalf("CapabilityName: %v", err)
	}
	if n.String() != "org.wildfly.data-source.ExampleDS" {
		t.Fatalf("unexpected capability name %s", n)
	}
	if _, err := CapabilityName("org.wildfly.data-source", ""); err == nil {
		t.Fatalf("expected empty dynamic part to be rejected")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":          ModeActive,
		"active":    ModeActive,
		"on-demand": ModeOnDemand,
		"ON_DEMAND": ModeOnDemand,
		"Lazy":      ModeLazy,
		"passive":   ModePassive,
		"never":     ModeNever,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
	if ModeOnDemand.String() != "ON_DEMAND" || Mode(42).String() != "Mode(42)" {
		t.Fatalf("unexpected mode strings")
	}
}

func TestBuilderValidation(t *testing.T) {
	ct := New(Options{Metrics: NewMetrics()})
	b := ct.NewBatch()

	self := b.AddService(MustParseName("self"), ModeActive)
	self.Requires(MustParseName("self"))

	twice := b.AddService(MustParseName("twice"), ModeActive)
	twice.Requires(MustParseName("x"))
	twice.RequiresOptional(MustParseName("x"))

	outputs := b.AddService(MustParseName("outputs"), ModeActive)
	outputs.ProvidesCapability("cap.a", "1.0.0")
	outputs.ProvidesCapability("cap.a", "1.0.0")

	versions := b.AddService(MustParseName("versions"), ModeActive)
	versions.ProvidesCapability("cap.b", "not-a-version")
	versions.RequiresCapability("cap.c", "abc")

	ownCap := b.AddService(MustParseName("own"), ModeActive)
	ownCap.ProvidesCapability("cap.own", "")
	ownCap.RequiresCapability("cap.own", "")

	good := b.AddService(MustParseName("good"), ModeActive)

	res, err := b.Install(testContext(t))
	if !errors.Is(err, ErrInvalidDeclaration) {
		t.Fatalf("expected ErrInvalidDeclaration, got %v", err)
	}
	for _, name := range []string{"self", "twice", "outputs", "versions", "own"} {
		if got := res.Service(MustParseName(name)).Outcome(); got != OutcomeInvalid {
			t.Fatalf("%s: expected Invalid, got %s", name, got)
		}
	}
	if got := res.Service(good.Name()).Outcome(); got != OutcomeRejected {
		t.Fatalf("expected good declaration to be rejected with the batch, got %s", got)
	}
	var derr *DeclarationError
	if !errors.As(err, &derr) || len(derr.Problems) == 0 {
		t.Fatalf("expected a DeclarationError, got %v", err)
	}
	if len(ct.Snapshot()) != 0 {
		t.Fatalf("nothing should be installed")
	}
}

func TestBuilderValidateDoesNotInstall(t *testing.T) {
	ct := New(Options{Metrics: NewMetrics()})
	b := ct.NewBatch()
	bl := b.AddService(MustParseName("dup"), ModeActive)
	bl.Requires(MustParseName("x"))
	bl.Requires(MustParseName("x"))
	if err := bl.Validate(); !errors.Is(err, ErrInvalidDeclaration) {
		t.Fatalf("expected ErrInvalidDeclaration, got %v", err)
	}
	if err := b.AddService(MustParseName("fine"), ModeLazy).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(ct.Snapshot()) != 0 {
		t.Fatalf("Validate must not install anything")
	}
}
