package keystore

import "time"

// IvIndex is the node's view of the network IV-Index FSM: the pair
// (Index, UpdateActive) advances only forward, s0=(X,false), s1=(X+1,true),
// s2=(X+1,false), s3=(X+2,true), ... Each state transition is timestamped.
// The acceptance algorithm governing which transitions are valid lives in
// internal/beacon (SPEC_FULL.md §4.G); IvIndex itself only holds state and
// applies a transition once that algorithm has approved it.
type IvIndex struct {
	Index          uint32
	UpdateActive   bool
	LastTransition *time.Time // nil means "no observed history"
}

// NewIvIndex constructs the FSM at its initial value with no observed
// transition history.
func NewIvIndex(index uint32) IvIndex {
	return IvIndex{Index: index, UpdateActive: false}
}

// Advance applies an already-accepted transition, stamping the transition
// time.
func (iv *IvIndex) Advance(index uint32, updateActive bool, now time.Time) {
	iv.Index = index
	iv.UpdateActive = updateActive
	t := now
	iv.LastTransition = &t
}

// TransmitIndex returns the IV-Index this node uses when building outbound
// network PDUs: during updateActive both index-1 and the current index are
// acceptable on receipt, but a node only ever transmits with the current
// index (SPEC_FULL.md §3).
func (iv IvIndex) TransmitIndex() uint32 { return iv.Index }
