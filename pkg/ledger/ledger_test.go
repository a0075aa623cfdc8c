package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	l := New(10)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, l.Record("192.168.1.10", "example.com", base))
	assert.False(t, l.Record("192.168.1.10", "ads.example.net", base.Add(time.Second)))
	assert.True(t, l.Record("192.168.1.11", "example.org", base.Add(2*time.Second)))

	assert.Equal(t, 2, l.Len())

	snap, ok := l.Client("192.168.1.10")
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Queries)
	assert.Equal(t, base, snap.FirstSeen)
	assert.Equal(t, base.Add(time.Second), snap.LastSeen)
	assert.Equal(t, []Entry{
		{Domain: "example.com", Time: base},
		{Domain: "ads.example.net", Time: base.Add(time.Second)},
	}, snap.Entries)

	_, ok = l.Client("10.0.0.1")
	assert.False(t, ok)
}

func TestRingEviction(t *testing.T) {
	l := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		l.Record("c", fmt.Sprintf("d%d.com", i), base.Add(time.Duration(i)*time.Second))
	}

	snap, ok := l.Client("c")
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Queries, "counter keeps counting past the cap")
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "d2.com", snap.Entries[0].Domain)
	assert.Equal(t, "d3.com", snap.Entries[1].Domain)
	assert.Equal(t, "d4.com", snap.Entries[2].Domain)
	assert.Equal(t, uint64(2), snap.Evicted())
	assert.Equal(t, base, snap.FirstSeen)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxEntries, New(0).MaxEntries())
	assert.Equal(t, DefaultMaxEntries, New(-5).MaxEntries())
	assert.Equal(t, 7, New(7).MaxEntries())
}

func TestSnapshotSortedAndDetached(t *testing.T) {
	l := New(10)
	now := time.Now()
	l.Record("10.0.0.2", "b.com", now)
	l.Record("10.0.0.1", "a.com", now)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "10.0.0.1", snap[0].Client)
	assert.Equal(t, "10.0.0.2", snap[1].Client)

	snap[0].Entries[0].Domain = "mutated.com"
	again, _ := l.Client("10.0.0.1")
	assert.Equal(t, "a.com", again.Entries[0].Domain)
}

func TestConcurrentSameClient(t *testing.T) {
	const n = 500
	l := New(1000)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record("192.168.1.120", fmt.Sprintf("q%d.example.com", i), time.Now())
		}(i)
	}
	wg.Wait()

	snap, ok := l.Client("192.168.1.120")
	require.True(t, ok)
	assert.Equal(t, uint64(n), snap.Queries)
	assert.Len(t, snap.Entries, n)

	seen := make(map[string]bool, n)
	for _, e := range snap.Entries {
		seen[e.Domain] = true
	}
	assert.Len(t, seen, n, "no entry lost or duplicated")
}

func TestConcurrentManyClients(t *testing.T) {
	const clients, perClient = 20, 50
	l := New(100)

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		for q := 0; q < perClient; q++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				l.Record(fmt.Sprintf("10.0.0.%d", c), "example.com", time.Now())
			}(c)
		}
	}

	// Readers race with writers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = l.Snapshot()
		}
	}()

	wg.Wait()
	<-done

	assert.Equal(t, clients, l.Len())
	for _, snap := range l.Snapshot() {
		assert.Equal(t, uint64(perClient), snap.Queries, snap.Client)
		assert.Len(t, snap.Entries, perClient)
	}
}
