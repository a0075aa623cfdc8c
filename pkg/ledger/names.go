package ledger

import (
	"maps"
	"sync/atomic"
)

// Names maps client addresses to operator-assigned display names. The table
// is replaced as a whole on config reload.
type Names struct {
	names atomic.Pointer[map[string]string]
}

// NewNames returns a table holding a copy of names.
func NewNames(names map[string]string) *Names {
	n := &Names{}
	n.Replace(names)
	return n
}

// Replace swaps in a copy of names.
func (n *Names) Replace(names map[string]string) {
	cp := maps.Clone(names)
	if cp == nil {
		cp = map[string]string{}
	}
	n.names.Store(&cp)
}

// Lookup returns the display name for client, or "".
func (n *Names) Lookup(client string) string {
	if n == nil {
		return ""
	}
	m := n.names.Load()
	if m == nil {
		return ""
	}
	return (*m)[client]
}

// All returns a copy of the table.
func (n *Names) All() map[string]string {
	if n == nil {
		return map[string]string{}
	}
	m := n.names.Load()
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(*m)
}
