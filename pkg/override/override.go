// Package override holds operator-defined domain to address overrides.
package override

import (
	"fmt"
	"net"
	"sort"
	"sync/atomic"

	"cleannet/pkg/domain"
)

// Entry is one override, as exposed to the dashboard.
type Entry struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// Table maps normalized domains to IPv4 addresses. Lookups use the same
// ancestor-suffix semantics as the block lists. The whole mapping is
// swapped on Replace.
type Table struct {
	entries atomic.Pointer[map[string]net.IP]
}

// New builds a table from a raw domain -> IPv4 literal map.
func New(raw map[string]string) (*Table, error) {
	t := &Table{}
	if err := t.Replace(raw); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace validates raw and swaps it in. On error the current mapping is kept.
func (t *Table) Replace(raw map[string]string) error {
	next := make(map[string]net.IP, len(raw))
	for name, target := range raw {
		d := domain.Normalize(name)
		if d == "" {
			return fmt.Errorf("override with empty domain")
		}
		ip := net.ParseIP(target).To4()
		if ip == nil {
			return fmt.Errorf("override for %s: %q is not an IPv4 address", d, target)
		}
		next[d] = ip
	}
	t.entries.Store(&next)
	return nil
}

// Resolve returns the override address for d, checking d itself before its
// ancestors.
func (t *Table) Resolve(d string) (net.IP, bool) {
	m := t.entries.Load()
	if m == nil || len(*m) == 0 {
		return nil, false
	}

	hit, ok := domain.Match(d, func(candidate string) bool {
		_, found := (*m)[candidate]
		return found
	})
	if !ok {
		return nil, false
	}
	return (*m)[hit], true
}

// Len returns the number of overrides.
func (t *Table) Len() int {
	if m := t.entries.Load(); m != nil {
		return len(*m)
	}
	return 0
}

// Entries returns all overrides sorted by domain.
func (t *Table) Entries() []Entry {
	m := t.entries.Load()
	if m == nil {
		return []Entry{}
	}
	out := make([]Entry, 0, len(*m))
	for d, ip := range *m {
		out = append(out, Entry{Domain: d, IP: ip.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
