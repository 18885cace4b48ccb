package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const nameSeparator = "."

// Name is a hierarchical, case-sensitive service name such as
// "jboss.data-source.ExampleDS". The zero Name is invalid.
type Name struct {
	s string
}

// ParseName validates s and returns it as a Name.
func ParseName(s string) (Name, error) {
	if s == "" {
		return Name{}, fmt.Errorf("engine: empty service name")
	}
	for _, seg := range strings.Split(s, nameSeparator) {
		if err := validateSegment(seg); err != nil {
			return Name{}, fmt.Errorf("engine: invalid service name %q: %w", s, err)
		}
	}
	return Name{s: s}, nil
}

func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NewName joins segments. A segment must not contain the separator.
func NewName(segments ...string) (Name, error) {
	if len(segments) == 0 {
		return Name{}, fmt.Errorf("engine: empty service name")
	}
	for _, seg := range segments {
		if strings.Contains(seg, nameSeparator) {
			return Name{}, fmt.Errorf("engine: segment %q contains %q", seg, nameSeparator)
		}
		if err := validateSegment(seg); err != nil {
			return Name{}, fmt.Errorf("engine: invalid segment %q: %w", seg, err)
		}
	}
	return Name{s: strings.Join(segments, nameSeparator)}, nil
}

// CapabilityName builds the canonical name of a capability, with optional
// dynamic parts appended (for example the data source a store is bound to).
func CapabilityName(id string, dynamic ...string) (Name, error) {
	n, err := ParseName(id)
	if err != nil {
		return Name{}, err
	}
	for _, d := range dynamic {
		if err := validateSegment(d); err != nil {
			return Name{}, fmt.Errorf("engine: invalid dynamic part %q of capability %s: %w", d, id, err)
		}
		n.s += nameSeparator + d
	}
	return n, nil
}

// Append returns n extended by segments. Segments containing the separator
// contribute each of their parts; empty segments are skipped.
func (n Name) Append(segments ...string) Name {
	parts := n.Segments()
	for _, seg := range segments {
		for _, p := range strings.Split(seg, nameSeparator) {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	return Name{s: strings.Join(parts, nameSeparator)}
}

// Parent returns the name without its last segment.
func (n Name) Parent() (Name, bool) {
	i := strings.LastIndex(n.s, nameSeparator)
	if i < 0 {
		return Name{}, false
	}
	return Name{s: n.s[:i]}, true
}

func (n Name) Segments() []string {
	if n.s == "" {
		return nil
	}
	return strings.Split(n.s, nameSeparator)
}

// IsParentOf reports whether other lies strictly below n.
func (n Name) IsParentOf(other Name) bool {
	return n.s != "" && strings.HasPrefix(other.s, n.s+nameSeparator)
}

func (n Name) IsZero() bool { return n.s == "" }

func (n Name) String() string { return n.s }

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment")
	}
	if !utf8.ValidString(seg) {
		return fmt.Errorf("segment %q is not valid UTF-8", seg)
	}
	for _, r := range seg {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("segment %q contains whitespace or control characters", seg)
		}
	}
	return nil
}
