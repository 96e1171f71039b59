// Package dedup implements the bounded, FIFO-eviction set of recently seen
// delta hashes that a replica uses to suppress rebroadcasting a change it
// has already applied.
package dedup

import "github.com/OneOfOne/xxhash"

// Capacity is the maximum number of hashes the set remembers before it
// starts evicting the oldest entry to make room for a new one.
const Capacity = 2048

// Set is a fixed-capacity FIFO set of uint64 hashes. Not goroutine-safe —
// callers hold the replica's lock across Seen/Add the same way they do for
// every other SiteReplica field.
type Set struct {
	order []uint64
	index map[uint64]struct{}
	head  int
}

// New returns an empty set at the package Capacity.
func New() *Set {
	return &Set{
		order: make([]uint64, Capacity),
		index: make(map[uint64]struct{}, Capacity),
	}
}

// Hash returns the stable digest used as this package's dedup key.
func Hash(blob []byte) uint64 {
	return xxhash.Checksum64(blob)
}

// Contains reports whether hash is already present.
func (s *Set) Contains(hash uint64) bool {
	_, ok := s.index[hash]
	return ok
}

// Add records hash, evicting the oldest entry first if the set is full.
// Returns false without modifying the set if hash was already present.
func (s *Set) Add(hash uint64) bool {
	if s.Contains(hash) {
		return false
	}
	if len(s.index) >= Capacity {
		evicted := s.order[s.head]
		delete(s.index, evicted)
	}
	s.order[s.head] = hash
	s.index[hash] = struct{}{}
	s.head = (s.head + 1) % Capacity
	return true
}

// Len reports how many hashes are currently tracked.
func (s *Set) Len() int { return len(s.index) }
