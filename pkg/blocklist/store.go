package blocklist

import (
	"sync/atomic"
	"time"
)

// List names one of the two block sets.
type List string

const (
	ListAds      List = "ads"
	ListPhishing List = "phishing"
)

type snapshot struct {
	set       *Set
	updatedAt time.Time
}

// Store holds the ad and phishing block sets. Each set is replaced as a whole,
// so readers see either the previous or the next set, never a partial one.
type Store struct {
	ads      atomic.Pointer[snapshot]
	phishing atomic.Pointer[snapshot]
}

// NewStore returns a store with two empty sets.
func NewStore() *Store {
	s := &Store{}
	s.ads.Store(&snapshot{set: NewSet(nil)})
	s.phishing.Store(&snapshot{set: NewSet(nil)})
	return s
}

func (s *Store) slot(list List) *atomic.Pointer[snapshot] {
	if list == ListPhishing {
		return &s.phishing
	}
	return &s.ads
}

// IsAd reports whether d is covered by the ad set.
func (s *Store) IsAd(d string) bool {
	return s.Ads().Contains(d)
}

// IsPhishing reports whether d is covered by the phishing set.
func (s *Store) IsPhishing(d string) bool {
	return s.Phishing().Contains(d)
}

// Ads returns the current ad set.
func (s *Store) Ads() *Set {
	return s.ads.Load().set
}

// Phishing returns the current phishing set.
func (s *Store) Phishing() *Set {
	return s.phishing.Load().set
}

// SetAds swaps in a new ad set and returns the one it replaced.
func (s *Store) SetAds(set *Set) *Set {
	return s.Replace(ListAds, set)
}

// SetPhishing swaps in a new phishing set and returns the one it replaced.
func (s *Store) SetPhishing(set *Set) *Set {
	return s.Replace(ListPhishing, set)
}

// Replace swaps in set for list and returns the previous set.
func (s *Store) Replace(list List, set *Set) *Set {
	if set == nil {
		set = NewSet(nil)
	}
	prev := s.slot(list).Swap(&snapshot{set: set, updatedAt: time.Now()})
	return prev.set
}

// Get returns the current set for list.
func (s *Store) Get(list List) *Set {
	return s.slot(list).Load().set
}

// UpdatedAt returns when list was last replaced, or the zero time.
func (s *Store) UpdatedAt(list List) time.Time {
	return s.slot(list).Load().updatedAt
}
