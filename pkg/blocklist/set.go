package blocklist

import (
	"sort"

	"cleannet/pkg/domain"
)

// Set is an immutable set of normalized domains. Build a new Set to change
// its contents; a Set is never mutated after construction so it can be shared
// between goroutines without locking.
type Set struct {
	domains map[string]struct{}
}

// NewSet wraps domains without copying. The caller must not modify the map
// afterwards.
func NewSet(domains map[string]struct{}) *Set {
	if domains == nil {
		domains = make(map[string]struct{})
	}
	return &Set{domains: domains}
}

// SetOf builds a Set from a list of raw domains.
func SetOf(raw ...string) *Set {
	domains := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		if d := domain.Normalize(r); d != "" {
			domains[d] = struct{}{}
		}
	}
	return NewSet(domains)
}

// Contains reports whether d or one of its proper ancestors is in the set.
// d must already be normalized.
func (s *Set) Contains(d string) bool {
	_, ok := s.Match(d)
	return ok
}

// Match is Contains that also returns the entry that matched.
func (s *Set) Match(d string) (string, bool) {
	if s == nil || len(s.domains) == 0 {
		return "", false
	}
	return domain.Match(d, func(candidate string) bool {
		_, ok := s.domains[candidate]
		return ok
	})
}

// Len returns the number of literal entries.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.domains)
}

// Domains returns the literal entries in sorted order.
func (s *Set) Domains() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
