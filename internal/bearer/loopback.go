package bearer

import "sync"

// Loopback is an in-process Bearer that delivers whatever is sent on it
// straight back to its own inbound handler (or, if Peer is set, to the
// peer's inbound handler instead) — used by the demo harness (§4.K) to
// exercise the stack end-to-end without real BLE hardware.
type Loopback struct {
	mu      sync.Mutex
	handler InboundHandler
	Peer    *Loopback
}

// NewLoopback returns a Loopback with no peer; set Peer to wire two
// Loopbacks together as an advertising-bearer pair.
func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) SetInboundHandler(handler InboundHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Send delivers pdu to the peer's inbound handler, or this bearer's own
// handler if no peer is set (useful for single-node smoke tests that just
// want to observe what would have been sent).
func (l *Loopback) Send(pdu []byte, kind PduType) error {
	target := l
	if l.Peer != nil {
		target = l.Peer
	}
	target.mu.Lock()
	handler := target.handler
	target.mu.Unlock()
	if handler != nil {
		handler(pdu, kind)
	}
	return nil
}
