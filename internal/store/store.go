// Package store provides crash-safe local persistence for the live
// per-element sequence counters and the IV-Index/transition-timestamp pair
// (SPEC_FULL.md §4.I). Nothing else in this node's state needs to survive a
// restart; replay caches and SAR tables are explicitly excluded by the
// Non-goals.
package store

import "time"

// ElementAddress is the node-local element address a sequence counter is
// kept for. Defined locally (rather than reusing the root package's Address)
// so this package stays free of a dependency on the root module — the
// manager facade converts at the boundary.
type ElementAddress uint16

// IvIndexState is the persisted form of the IV-Index FSM: the current index,
// whether IV-Update is active, and the last transition time. LastTransition
// is the zero time when no transition has ever been recorded, the persisted
// analogue of keystore.IvIndex's nil pointer.
type IvIndexState struct {
	Index          uint32
	UpdateActive   bool
	LastTransition time.Time
}

// SequenceStore abstracts crash-safe storage of (elementAddress) -> nextSeq
// and the IV-Index state. A call to NextSeq must durably record the
// allocation before returning, so a crash immediately afterward never causes
// a subsequent boot to reuse the returned value.
type SequenceStore interface {
	// NextSeq allocates and durably records the next 24-bit sequence
	// number for element, starting from 0 the first time it is called.
	NextSeq(element ElementAddress) (uint32, error)
	LoadIVIndex() (IvIndexState, error)
	SaveIVIndex(IvIndexState) error
}
