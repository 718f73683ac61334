package transport

import (
	"sync"
	"time"
)

type reassemblyKey struct {
	src     uint16
	seqAuth uint64
}

type reassemblyEntry struct {
	segN     uint8
	segments [][]byte
	received uint32
	ttl      uint8
	unicast  bool

	ackTimer        Timer
	incompleteTimer Timer
}

func (e *reassemblyEntry) complete() bool {
	return e.received == (uint32(1)<<(uint(e.segN)+1))-1
}

func (e *reassemblyEntry) assemble() []byte {
	var out []byte
	for _, s := range e.segments {
		out = append(out, s...)
	}
	return out
}

// Reassembler holds in-progress segmented access messages keyed by source
// address and seqAuth (§4.D). sendAck delivers an ack PDU to the unicast
// source; it is never called for group/virtual destinations.
type Reassembler struct {
	mu                sync.Mutex
	scheduler         Scheduler
	incompleteTimeout time.Duration
	sendAck           func(src uint16, pdu []byte) error

	entries map[reassemblyKey]*reassemblyEntry
}

// NewReassembler builds a Reassembler. configuredIncomplete<=0 selects the
// §4.D default of 10s.
func NewReassembler(scheduler Scheduler, configuredIncomplete time.Duration, sendAck func(src uint16, pdu []byte) error) *Reassembler {
	return &Reassembler{
		scheduler:         scheduler,
		incompleteTimeout: incompleteDelay(configuredIncomplete),
		sendAck:           sendAck,
		entries:           make(map[reassemblyKey]*reassemblyEntry),
	}
}

// HandleSegment folds one received segment into its reassembly entry. It
// returns the reassembled upper-transport PDU and true once segN+1
// distinct segments have arrived; the entry is removed from the table
// either way once complete.
func (r *Reassembler) HandleSegment(src uint16, unicastDst bool, ttl uint8, ivIndex, seq uint32, h SegmentedHeader, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reassemblyKey{src: src, seqAuth: SeqAuth(ivIndex, seq, h.SeqZero)}
	e, ok := r.entries[key]
	if !ok {
		e = &reassemblyEntry{
			segN:     h.SegN,
			segments: make([][]byte, int(h.SegN)+1),
			ttl:      ttl,
			unicast:  unicastDst,
		}
		r.entries[key] = e
		e.incompleteTimer = r.scheduler.Schedule(r.incompleteTimeout, func() { r.onIncomplete(key) })
		e.ackTimer = r.scheduler.Schedule(reassemblyAckDelay(ttl), func() { r.onAckTimer(key) })
	}

	if int(h.SegO) < len(e.segments) && e.segments[h.SegO] == nil {
		e.segments[h.SegO] = append([]byte(nil), payload...)
		e.received |= 1 << uint(h.SegO)
	}

	if e.complete() {
		delete(r.entries, key)
		stopTimer(e.ackTimer)
		stopTimer(e.incompleteTimer)
		r.sendBlockAck(src, e, h.SeqZero)
		return e.assemble(), true
	}
	return nil, false
}

func (r *Reassembler) onAckTimer(key reassemblyKey) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	seqZero := key.seqAuth & 0x1fff
	r.mu.Unlock()
	r.sendBlockAck(key.src, e, uint16(seqZero))
}

func (r *Reassembler) sendBlockAck(src uint16, e *reassemblyEntry, seqZero uint16) {
	if !e.unicast || r.sendAck == nil {
		return
	}
	ack := EncodeSegmentAck(SegmentAck{SeqZero: seqZero, BlockAck: e.received})
	_ = r.sendAck(src, ack)
}

func (r *Reassembler) onIncomplete(key reassemblyKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	stopTimer(e.ackTimer)
	delete(r.entries, key)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Cancel()
	}
}
