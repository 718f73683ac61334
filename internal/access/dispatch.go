package access

import (
	"time"

	"github.com/wzbdroid0212/go-btmesh/internal/transport"
)

// defaultResponseTimeout is the §4.F default wait for an acknowledged
// message's response.
const defaultResponseTimeout = 30 * time.Second

// ElementLookup returns every model delegate installed on the element
// addressed by dst, or nil if dst addresses no local element.
type ElementLookup func(dst Address) []Delegate

// PendingKey correlates an outbound acknowledged request with its inbound
// response: the response's opcode, the peer that must send it, the local
// address expecting it, and the key set both ends share.
type PendingKey struct {
	ResponseOpcode Opcode
	Peer           Address
	Self           Address
	Keys           KeySet
}

type pendingRequest struct {
	requestMsg Message
	timer      transport.Timer
	onResult   func(*Message, error)
}

// Dispatcher routes inbound access PDUs to the model they address, and
// resolves responses against outstanding acknowledged requests.
// postToCore re-enters the single logical queue that owns outbound SAR
// state; notify runs delegate callbacks off that queue per §4.F.
type Dispatcher struct {
	lookup     ElementLookup
	notify     *NotificationQueue
	postToCore func(func())
	scheduler  transport.Scheduler
	sendReply  func(dst Address, msg Message, keys KeySet)

	pending map[PendingKey]*pendingRequest
}

// NewDispatcher builds a Dispatcher. sendReply is invoked (on the core
// queue) to transmit an acknowledged message's reply once its delegate
// produces one.
func NewDispatcher(lookup ElementLookup, notify *NotificationQueue, postToCore func(func()), scheduler transport.Scheduler, sendReply func(dst Address, msg Message, keys KeySet)) *Dispatcher {
	return &Dispatcher{
		lookup:     lookup,
		notify:     notify,
		postToCore: postToCore,
		scheduler:  scheduler,
		sendReply:  sendReply,
		pending:    make(map[PendingKey]*pendingRequest),
	}
}

// HandleInbound parses raw's opcode and routes it to the models on dst,
// per the §4.F dispatch rules.
func (d *Dispatcher) HandleInbound(raw []byte, src, dst Address, keys KeySet) error {
	opcode, payload, err := ParseOpcode(raw)
	if err != nil {
		return err
	}
	msg := Message{Opcode: opcode, Payload: payload}

	for _, del := range d.lookup(dst) {
		mt, ok := del.Opcodes()[opcode]
		if !ok {
			continue
		}

		pk := PendingKey{ResponseOpcode: opcode, Peer: src, Self: dst, Keys: keys}
		if pr, ok := d.takePending(pk); ok {
			d.notify.Post(func() {
				del.OnResponse(msg, pr.requestMsg, src, keys)
				if pr.onResult != nil {
					m := msg
					d.postToCore(func() { pr.onResult(&m, nil) })
				}
			})
			return nil
		}

		if mt.Acknowledged {
			d.notify.Post(func() {
				reply := del.OnAcknowledged(msg, src, dst, keys)
				if reply != nil {
					r := *reply
					d.postToCore(func() { d.sendReply(src, r, keys) })
				}
			})
		} else {
			d.notify.Post(func() { del.OnUnacknowledged(msg, src, dst, keys) })
		}
		return nil
	}
	return nil
}

// AwaitResponse registers a pending acknowledged request awaiting
// responseOpcode from peer, arming a response timer of timeout (or the
// §4.F default if <= 0). onResult is called exactly once, with either the
// matched response or a timeout error, on the core queue.
func (d *Dispatcher) AwaitResponse(requestMsg Message, self, peer Address, responseOpcode Opcode, keys KeySet, timeout time.Duration, onResult func(*Message, error)) PendingKey {
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	pk := PendingKey{ResponseOpcode: responseOpcode, Peer: peer, Self: self, Keys: keys}
	pr := &pendingRequest{requestMsg: requestMsg, onResult: onResult}
	pr.timer = d.scheduler.Schedule(timeout, func() { d.timeoutPending(pk) })
	d.pending[pk] = pr
	return pk
}

// CancelPending removes a pending response wait without invoking onResult,
// used when the underlying send is cancelled.
func (d *Dispatcher) CancelPending(pk PendingKey) {
	if pr, ok := d.pending[pk]; ok {
		if pr.timer != nil {
			pr.timer.Cancel()
		}
		delete(d.pending, pk)
	}
}

func (d *Dispatcher) takePending(pk PendingKey) (*pendingRequest, bool) {
	pr, ok := d.pending[pk]
	if !ok {
		return nil, false
	}
	if pr.timer != nil {
		pr.timer.Cancel()
	}
	delete(d.pending, pk)
	return pr, true
}

func (d *Dispatcher) timeoutPending(pk PendingKey) {
	pr, ok := d.pending[pk]
	if !ok {
		return
	}
	delete(d.pending, pk)
	if pr.onResult != nil {
		pr.onResult(nil, ErrTimeout)
	}
}
