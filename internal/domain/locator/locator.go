// Package locator defines the locator strategy domain model. Each UI element
// a test touches owns an ordered list of locator strategies; the resolver
// walks that list in priority order at execution time.
package locator

import (
	"fmt"
	"sort"
	"time"
)

// Kind identifies the mechanism a strategy uses to find an element.
type Kind string

const (
	KindStructural    Kind = "structural"    // CSS-style structural selector
	KindPath          Kind = "path"          // XPath-style path selector
	KindAccessibility Kind = "accessibility" // ARIA / accessibility attribute
	KindText          Kind = "text"          // visible text match
	KindVisual        Kind = "visual"        // visual anchor descriptor
)

// Valid reports whether k is a known strategy kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStructural, KindPath, KindAccessibility, KindText, KindVisual:
		return true
	}
	return false
}

// Strategy is one way of locating an element. Immutable once attached to a Set.
type Strategy struct {
	Kind     Kind   `json:"kind"`
	Value    string `json:"value"`
	Priority int    `json:"priority"`
}

// Set is the ordered list of strategies owned by one element reference.
// Mutation happens only through Prepend and Remove, which return new Sets so
// the store can write the rewrite and its audit entry in one transaction.
type Set struct {
	ElementRef string     `json:"element_ref"`
	TestID     string     `json:"test_id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Strategies []Strategy `json:"strategies"`
	Version    int        `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks the Set invariants: at least one strategy, known kinds,
// non-empty values, and unique strictly-ordered priorities.
func (s *Set) Validate() error {
	if s.ElementRef == "" {
		return fmt.Errorf("element_ref is required")
	}
	if len(s.Strategies) == 0 {
		return fmt.Errorf("locator set %s: at least one strategy is required", s.ElementRef)
	}
	seen := make(map[int]bool, len(s.Strategies))
	prev := -1 << 31
	for i, st := range s.Strategies {
		if !st.Kind.Valid() {
			return fmt.Errorf("locator set %s: strategy %d has unknown kind %q", s.ElementRef, i, st.Kind)
		}
		if st.Value == "" {
			return fmt.Errorf("locator set %s: strategy %d has empty value", s.ElementRef, i)
		}
		if seen[st.Priority] {
			return fmt.Errorf("locator set %s: duplicate priority %d", s.ElementRef, st.Priority)
		}
		seen[st.Priority] = true
		if st.Priority <= prev {
			return fmt.Errorf("locator set %s: priorities not strictly ascending at index %d", s.ElementRef, i)
		}
		prev = st.Priority
	}
	return nil
}

// Ordered returns the strategies sorted by ascending priority.
func (s *Set) Ordered() []Strategy {
	out := make([]Strategy, len(s.Strategies))
	copy(out, s.Strategies)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Contains reports whether the set already holds a strategy with the same
// kind and value.
func (s *Set) Contains(st Strategy) bool {
	for _, cur := range s.Strategies {
		if cur.Kind == st.Kind && cur.Value == st.Value {
			return true
		}
	}
	return false
}

// Prepend returns a copy of the set with st inserted at the highest priority.
// Existing strategies are never removed; they stay as lower-priority
// fallbacks. Prepending a strategy the set already contains is a no-op, which
// makes applying the same approved proposal twice idempotent.
func (s *Set) Prepend(st Strategy) Set {
	out := s.clone()
	if s.Contains(st) {
		return out
	}
	min := s.minPriority()
	st.Priority = min - 1
	out.Strategies = append([]Strategy{st}, out.Strategies...)
	return out
}

// Remove returns a copy of the set without the strategy matching kind and
// value. Removing the last strategy is refused: the set invariant requires at
// least one.
func (s *Set) Remove(st Strategy) (Set, error) {
	out := s.clone()
	kept := out.Strategies[:0]
	for _, cur := range out.Strategies {
		if cur.Kind == st.Kind && cur.Value == st.Value {
			continue
		}
		kept = append(kept, cur)
	}
	if len(kept) == 0 {
		return Set{}, fmt.Errorf("locator set %s: cannot remove last strategy", s.ElementRef)
	}
	out.Strategies = kept
	return out, nil
}

func (s *Set) clone() Set {
	out := *s
	out.Strategies = make([]Strategy, len(s.Strategies))
	copy(out.Strategies, s.Strategies)
	return out
}

func (s *Set) minPriority() int {
	min := 1 << 30
	for _, st := range s.Strategies {
		if st.Priority < min {
			min = st.Priority
		}
	}
	if min == 1<<30 {
		return 1
	}
	return min
}
