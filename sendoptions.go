package btmesh

import (
	"time"

	"github.com/wzbdroid0212/go-btmesh/internal/access"
)

// SendOptions parameterizes Network.Send: which network/application key (or
// the device key) to seal under, the TTL to transmit with, and, for an
// acknowledged exchange, the opcode its reply carries and a callback to
// invoke with that reply.
type SendOptions struct {
	Dst          Address
	TTL          uint8
	NetKeyIndex  int
	AppKeyIndex  int
	UseDeviceKey bool
	VirtualLabel *[16]byte

	Acknowledged   bool
	ResponseOpcode Opcode
	Timeout        time.Duration
	OnResponse     func(resp *AccessMessage, err error)
}

// MessageHandle lets a caller cancel an in-flight Send, whether it is still
// queued behind another message to the same destination, mid-segmented-
// transmission, or awaiting an acknowledged response.
type MessageHandle struct {
	n     *Network
	inner *access.MessageHandle
	pk    access.PendingKey
	hasPK bool
}

// Cancel aborts the send. If a response wait was armed, it is cancelled
// without invoking OnResponse.
func (h *MessageHandle) Cancel() error {
	err := h.inner.Cancel()
	if h.hasPK {
		h.n.queue.Post(func() { h.n.dispatcher.CancelPending(h.pk) })
	}
	return err
}
