// Package memstore is an in-memory SequenceStore for tests and for hosts
// that already persist this state elsewhere (SPEC_FULL.md §4.I).
package memstore

import (
	"sync"

	"github.com/wzbdroid0212/go-btmesh/internal/store"
)

// Store is a process-lifetime-only SequenceStore. It never survives a
// restart, so it must not be used where crash safety matters.
type Store struct {
	mu      sync.Mutex
	nextSeq map[store.ElementAddress]uint32
	iv      store.IvIndexState
}

// New returns an empty Store.
func New() *Store {
	return &Store{nextSeq: make(map[store.ElementAddress]uint32)}
}

func (s *Store) NextSeq(element store.ElementAddress) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq[element]
	s.nextSeq[element] = seq + 1
	return seq, nil
}

func (s *Store) LoadIVIndex() (store.IvIndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iv, nil
}

func (s *Store) SaveIVIndex(state store.IvIndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iv = state
	return nil
}
