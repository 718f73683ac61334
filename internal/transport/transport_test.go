package transport

import (
	"bytes"
	"testing"
	"time"
)

// fakeScheduler records scheduled callbacks without ever firing them
// automatically; tests fire them explicitly to keep outcomes deterministic.
type fakeScheduler struct {
	scheduled []*fakeTimer
}

type fakeTimer struct {
	fn        func()
	cancelled bool
}

func (t *fakeTimer) Cancel() { t.cancelled = true }

func (s *fakeScheduler) Schedule(after time.Duration, fn func()) Timer {
	t := &fakeTimer{fn: fn}
	s.scheduled = append(s.scheduled, t)
	return t
}

// fire runs the most recently scheduled, not-yet-cancelled timer.
func (s *fakeScheduler) fireLatest() {
	for i := len(s.scheduled) - 1; i >= 0; i-- {
		if !s.scheduled[i].cancelled {
			s.scheduled[i].fn()
			return
		}
	}
}

func TestSingleSegmentRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3}
	pdu, err := EncodeSingle(true, 0x15, payload)
	if err != nil {
		t.Fatalf("EncodeSingle: %v", err)
	}
	akf, aid, got, err := DecodeSingle(pdu)
	if err != nil {
		t.Fatalf("DecodeSingle: %v", err)
	}
	if !akf || aid != 0x15 || !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: akf=%v aid=%x payload=%x", akf, aid, got)
	}
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	h := SegmentedHeader{AKF: true, AID: 0x3f, SZMIC: true, SeqZero: 0x1abc, SegO: 3, SegN: 5}
	payload := bytes.Repeat([]byte{0xAB}, SegmentPayloadSize)
	pdu, err := EncodeSegment(h, payload)
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	got, gotPayload, err := DecodeSegment(pdu)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if got != h || !bytes.Equal(gotPayload, payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestSplit(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, SegmentPayloadSize+1)
	chunks, segN, err := Split(payload)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if segN != 1 || len(chunks) != 2 {
		t.Fatalf("segN=%d chunks=%d, want 1/2", segN, len(chunks))
	}
	if len(chunks[0]) != SegmentPayloadSize || len(chunks[1]) != 1 {
		t.Fatalf("unexpected chunk sizes: %d %d", len(chunks[0]), len(chunks[1]))
	}
}

func TestBlockAckRoundTrip(t *testing.T) {
	a := SegmentAck{SeqZero: 0x1234 & 0x1fff, OBO: true, BlockAck: 0b11}
	pdu := EncodeSegmentAck(a)
	got, err := DecodeSegmentAck(pdu)
	if err != nil {
		t.Fatalf("DecodeSegmentAck: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, a)
	}
}

func TestBusyAckDetection(t *testing.T) {
	if !BusyAck(7).IsBusy() {
		t.Fatalf("BusyAck must report IsBusy")
	}
	if SegmentAck{SeqZero: 7, BlockAck: 1}.IsBusy() {
		t.Fatalf("a normal ack must not report IsBusy")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	h := Heartbeat{InitTTL: 0x20, Features: 0xbeef}
	pdu := EncodeHeartbeat(h)
	got, err := DecodeHeartbeat(pdu)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestOutboundRetransmitsOnlyMissingSegments(t *testing.T) {
	sched := &fakeScheduler{}
	var sent [][]byte
	send := func(pdu []byte) error {
		sent = append(sent, append([]byte(nil), pdu...))
		return nil
	}
	segA := []byte{0xAA}
	segB := []byte{0xBB}
	var result Result
	done := false
	ob := NewOutbound(sched, send, nil, [][]byte{segA, segB}, 0, 1, -1, func(r Result) {
		result, done = r, true
	})
	ob.Start()
	if len(sent) != 2 {
		t.Fatalf("expected initial burst of 2 segments, got %d", len(sent))
	}

	// Ack only segment 0; segment 1 must be retransmitted, segment 0 must not.
	sent = nil
	ob.HandleBlockAck(SegmentAck{SeqZero: 1, BlockAck: 0b01})
	if len(sent) != 1 || !bytes.Equal(sent[0], segB) {
		t.Fatalf("expected retransmit of only segment 1, got %v", sent)
	}
	if done {
		t.Fatalf("must not resolve until all segments are acked")
	}

	ob.HandleBlockAck(SegmentAck{SeqZero: 1, BlockAck: 0b11})
	if !done || result != ResultDelivered {
		t.Fatalf("expected ResultDelivered, got done=%v result=%v", done, result)
	}
}

func TestOutboundBusyAckNoRetry(t *testing.T) {
	sched := &fakeScheduler{}
	send := func(pdu []byte) error { return nil }
	var result Result
	ob := NewOutbound(sched, send, nil, [][]byte{{1}}, 0, 5, -1, func(r Result) { result = r })
	ob.Start()
	ob.HandleBlockAck(BusyAck(5))
	if result != ResultBusy {
		t.Fatalf("result = %v, want ResultBusy", result)
	}
}

func TestOutboundTimeoutAfterRetriesExhausted(t *testing.T) {
	sched := &fakeScheduler{}
	sendCount := 0
	send := func(pdu []byte) error { sendCount++; return nil }
	var result Result
	done := false
	ob := NewOutbound(sched, send, nil, [][]byte{{1}}, 0, 2, 1, func(r Result) { result, done = r, true })
	ob.Start() // 1 send, ack timer armed

	sched.fireLatest() // timeout #1: retry (retriesLeft 1->0), rearm
	if done {
		t.Fatalf("must not resolve on first timeout with a retry left")
	}
	sched.fireLatest() // timeout #2: no retries left
	if !done || result != ResultTimeout {
		t.Fatalf("done=%v result=%v, want ResultTimeout", done, result)
	}
	if sendCount != 2 {
		t.Fatalf("sendCount = %d, want 2 (1 initial + 1 retry)", sendCount)
	}
}

func TestOutboundCancel(t *testing.T) {
	sched := &fakeScheduler{}
	send := func(pdu []byte) error { return nil }
	var result Result
	ob := NewOutbound(sched, send, nil, [][]byte{{1}}, 0, 9, -1, func(r Result) { result = r })
	ob.Start()
	if err := ob.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result != ResultCancelled {
		t.Fatalf("result = %v, want ResultCancelled", result)
	}
	if err := ob.Cancel(); err != ErrAlreadyDone {
		t.Fatalf("second Cancel = %v, want ErrAlreadyDone", err)
	}
}

// TestReassemblyOutOfOrder reproduces the scenario of a two-segment access
// PDU (SegN=1) delivered out of order: segment 1 then segment 0. The model
// must still receive A||B, and a block-ack with bitmap 0b11 must be sent
// after the ack timer fires.
func TestReassemblyOutOfOrder(t *testing.T) {
	sched := &fakeScheduler{}
	var acked []byte
	r := NewReassembler(sched, 0, func(src uint16, pdu []byte) error {
		acked = pdu
		return nil
	})

	hdr1 := SegmentedHeader{SeqZero: 42, SegO: 1, SegN: 1}
	payload, done := r.HandleSegment(0x0010, true, 2, 0, 100, hdr1, []byte("B"))
	if done {
		t.Fatalf("must not be complete after only one of two segments")
	}
	if payload != nil {
		t.Fatalf("expected nil payload while incomplete")
	}

	hdr0 := SegmentedHeader{SeqZero: 42, SegO: 0, SegN: 1}
	payload, done = r.HandleSegment(0x0010, true, 2, 0, 100, hdr0, []byte("A"))
	if !done {
		t.Fatalf("expected completion once both segments arrive")
	}
	if !bytes.Equal(payload, []byte("AB")) {
		t.Fatalf("reassembled payload = %q, want \"AB\"", payload)
	}

	ack, err := DecodeSegmentAck(acked)
	if err != nil {
		t.Fatalf("DecodeSegmentAck: %v", err)
	}
	if ack.BlockAck != 0b11 {
		t.Fatalf("block ack bitmap = %b, want 0b11", ack.BlockAck)
	}
}

func TestReassemblyIncompleteTimeoutDropsWithoutAck(t *testing.T) {
	sched := &fakeScheduler{}
	acked := false
	r := NewReassembler(sched, time.Second, func(src uint16, pdu []byte) error {
		acked = true
		return nil
	})
	hdr := SegmentedHeader{SeqZero: 1, SegO: 0, SegN: 1}
	_, done := r.HandleSegment(0x0010, true, 2, 0, 1, hdr, []byte("A"))
	if done {
		t.Fatalf("must not complete with only one of two segments")
	}

	key := reassemblyKey{src: 0x0010, seqAuth: SeqAuth(0, 1, 1)}
	r.onIncomplete(key)
	if acked {
		t.Fatalf("incomplete timeout must drop the entry without sending an ack")
	}
	if _, ok := r.entries[key]; ok {
		t.Fatalf("entry must be removed after incomplete timeout")
	}
}
