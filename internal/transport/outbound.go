package transport

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the terminal outcome of an outbound segmented send.
type Result int

const (
	ResultDelivered Result = iota
	ResultTimeout
	ResultBusy
	ResultCancelled
)

// ErrAlreadyDone is returned by Cancel once the send has already resolved.
var ErrAlreadyDone = errors.New("transport: send already resolved")

// defaultRetries is the number of additional full retries §4.D allows
// before an outbound segmented send surfaces a timeout.
const defaultRetries = 2

// Outbound drives one segmented access message's SAR send: the initial
// all-N burst, ack-timer-gated retransmission of only the still-missing
// segments, and the retry budget before giving up.
type Outbound struct {
	mu sync.Mutex

	scheduler Scheduler
	send      func(pdu []byte) error
	limiter   *rate.Limiter

	segments    [][]byte
	acked       []bool
	outstanding int

	ttl         uint8
	seqZero     uint16
	retriesLeft int

	ackTimer Timer
	done     bool
	onDone   func(Result)
}

// NewOutbound builds an Outbound sender for the already-encoded segment
// PDUs (each including its SegmentedHeader). retries<0 selects the §4.D
// default of 2 additional full retries; limiter may be nil to schedule the
// entire initial burst at once.
func NewOutbound(scheduler Scheduler, send func(pdu []byte) error, limiter *rate.Limiter, segments [][]byte, ttl uint8, seqZero uint16, retries int, onDone func(Result)) *Outbound {
	if retries < 0 {
		retries = defaultRetries
	}
	return &Outbound{
		scheduler:   scheduler,
		send:        send,
		limiter:     limiter,
		segments:    segments,
		acked:       make([]bool, len(segments)),
		outstanding: len(segments),
		ttl:         ttl,
		seqZero:     seqZero,
		retriesLeft: retries,
		onDone:      onDone,
	}
}

// Start schedules the initial burst of all N segments and arms the ack
// timer. If a rate.Limiter was supplied, each segment in the initial burst
// waits on it via AllowN-style reservation instead of blocking the caller;
// retransmissions bypass the limiter per §4.D.
func (o *Outbound) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, seg := range o.segments {
		o.sendSegment(seg)
	}
	o.armAckTimer()
}

func (o *Outbound) sendSegment(seg []byte) {
	if o.limiter != nil {
		// A burst write is paced by spacing sends at the limiter's
		// reservation delay rather than blocking Start synchronously;
		// the reservation is taken immediately so later segments queue
		// behind it without stalling the caller.
		r := o.limiter.ReserveN(time.Now(), 1)
		if d := r.Delay(); d > 0 {
			o.scheduler.Schedule(d, func() { _ = o.send(seg) })
			return
		}
	}
	_ = o.send(seg)
}

func (o *Outbound) armAckTimer() {
	if o.ackTimer != nil {
		o.ackTimer.Cancel()
	}
	o.ackTimer = o.scheduler.Schedule(senderAckDelay(o.ttl), o.onAckTimeout)
}

func (o *Outbound) onAckTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	if o.retriesLeft <= 0 {
		o.finish(ResultTimeout)
		return
	}
	o.retriesLeft--
	for i, acked := range o.acked {
		if !acked {
			_ = o.send(o.segments[i])
		}
	}
	o.armAckTimer()
}

// HandleBlockAck applies a received segment-acknowledgment: on BusyAck it
// resolves immediately without further retry; otherwise it clears the
// acknowledged bits, retransmits any still-outstanding segments right
// away, and restarts the ack timer, or resolves delivered if none remain.
func (o *Outbound) HandleBlockAck(ack SegmentAck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || ack.SeqZero != o.seqZero {
		return
	}
	if ack.IsBusy() {
		o.finish(ResultBusy)
		return
	}
	for i := range o.segments {
		if ack.BlockAck&(1<<uint(i)) != 0 && !o.acked[i] {
			o.acked[i] = true
			o.outstanding--
		}
	}
	if o.outstanding <= 0 {
		o.finish(ResultDelivered)
		return
	}
	for i, acked := range o.acked {
		if !acked {
			_ = o.send(o.segments[i])
		}
	}
	o.armAckTimer()
}

// Cancel aborts the send, removing it from further retransmission and
// resolving with ResultCancelled.
func (o *Outbound) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return ErrAlreadyDone
	}
	o.finish(ResultCancelled)
	return nil
}

func (o *Outbound) finish(r Result) {
	if o.done {
		return
	}
	o.done = true
	if o.ackTimer != nil {
		o.ackTimer.Cancel()
		o.ackTimer = nil
	}
	if o.onDone != nil {
		o.onDone(r)
	}
}
