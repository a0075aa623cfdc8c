// Package ledger records per-client query activity in memory.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxEntries is the per-client log capacity used when none is set.
const DefaultMaxEntries = 1000

// Entry is one logged query.
type Entry struct {
	Domain string    `json:"domain"`
	Time   time.Time `json:"time"`
}

// ClientSnapshot is a point-in-time copy of one client's record.
type ClientSnapshot struct {
	Client    string    `json:"client"`
	Queries   uint64    `json:"queries"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	// Entries holds the retained log, oldest first.
	Entries []Entry `json:"entries"`
}

// Evicted returns how many log entries were dropped to respect the cap.
func (s ClientSnapshot) Evicted() uint64 {
	return s.Queries - uint64(len(s.Entries))
}

type record struct {
	mu        sync.Mutex
	queries   uint64
	firstSeen time.Time
	lastSeen  time.Time
	log       []Entry
	head      int // next slot to overwrite once log is full
}

func (r *record) append(e Entry, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queries++
	if r.firstSeen.IsZero() || e.Time.Before(r.firstSeen) {
		r.firstSeen = e.Time
	}
	if e.Time.After(r.lastSeen) {
		r.lastSeen = e.Time
	}

	if len(r.log) < capacity {
		r.log = append(r.log, e)
		return
	}
	r.log[r.head] = e
	r.head = (r.head + 1) % capacity
}

func (r *record) snapshot(client string) ClientSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.log))
	entries = append(entries, r.log[r.head:]...)
	entries = append(entries, r.log[:r.head]...)

	return ClientSnapshot{
		Client:    client,
		Queries:   r.queries,
		FirstSeen: r.firstSeen,
		LastSeen:  r.lastSeen,
		Entries:   entries,
	}
}

// Ledger keeps a query counter and a bounded log per client address. Records
// are created on first use and never removed; each log keeps the newest
// entries up to the configured capacity.
type Ledger struct {
	mu         sync.RWMutex
	clients    map[string]*record
	maxEntries int
}

// New returns an empty ledger. maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Ledger{
		clients:    make(map[string]*record),
		maxEntries: maxEntries,
	}
}

// Record logs a query for domain from client at now. It reports whether this
// was the first query seen from client.
func (l *Ledger) Record(client, domain string, now time.Time) bool {
	r, created := l.get(client)
	r.append(Entry{Domain: domain, Time: now}, l.maxEntries)
	return created
}

func (l *Ledger) get(client string) (*record, bool) {
	l.mu.RLock()
	r, ok := l.clients[client]
	l.mu.RUnlock()
	if ok {
		return r, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.clients[client]; ok {
		return r, false
	}
	r = &record{}
	l.clients[client] = r
	return r, true
}

// Client returns a snapshot of one client.
func (l *Ledger) Client(client string) (ClientSnapshot, bool) {
	l.mu.RLock()
	r, ok := l.clients[client]
	l.mu.RUnlock()
	if !ok {
		return ClientSnapshot{}, false
	}
	return r.snapshot(client), true
}

// Snapshot returns a copy of every client record, sorted by address.
func (l *Ledger) Snapshot() []ClientSnapshot {
	l.mu.RLock()
	names := make([]string, 0, len(l.clients))
	records := make(map[string]*record, len(l.clients))
	for name, r := range l.clients {
		names = append(names, name)
		records[name] = r
	}
	l.mu.RUnlock()

	sort.Strings(names)
	out := make([]ClientSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, records[name].snapshot(name))
	}
	return out
}

// Len returns the number of distinct clients seen.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// MaxEntries returns the per-client log capacity.
func (l *Ledger) MaxEntries() int {
	return l.maxEntries
}
