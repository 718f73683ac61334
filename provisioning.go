package btmesh

import (
	"github.com/wzbdroid0212/go-btmesh/internal/keystore"
	"github.com/wzbdroid0212/go-btmesh/internal/provisioning"
)

// DeviceIdentity identifies an unprovisioned device by the UUID carried in
// its unprovisioned-device beacon.
type DeviceIdentity struct {
	UUID [16]byte
}

// ProvisioningResult is what a completed provisioning session hands back:
// the onboarded node record, ready for RegisterModel and Send, and the
// device key the facade has already installed into the key store.
type ProvisioningResult struct {
	Device    DeviceIdentity
	Node      Node
	DeviceKey [16]byte
}

// ProvisioningSession drives one provisioner-role handshake against a
// single unprovisioned device. Only one session may be active on a Network
// at a time (SPEC_FULL.md §4.H); a second concurrent NewProvisioningSession
// call fails until the first completes or fails.
type ProvisioningSession struct {
	n      *Network
	device DeviceIdentity
	inner  *provisioning.Session
}

// State reports the current handshake state, for diagnostics.
func (s *ProvisioningSession) State() string {
	return s.inner.State().String()
}

// Start sends the Provisioning Invite and begins the handshake. attention
// is the number of seconds to ask the device to identify itself for.
func (s *ProvisioningSession) Start(attentionSeconds uint8) error {
	var err error
	s.n.queue.PostAndWait(func() {
		err = s.inner.Start(attentionSeconds)
	})
	return err
}

// HandleInbound feeds one received provisioning PDU to the handshake. The
// facade's bearer dispatch already calls this for the active session; it is
// exported so a host driving a bearer directly (outside HandleInbound) can
// call it too.
func (s *ProvisioningSession) HandleInbound(pdu []byte) error {
	var err error
	s.n.queue.PostAndWait(func() {
		err = s.inner.HandleInbound(pdu)
	})
	return err
}

// NewProvisioningSession starts provisioning device over send, the
// transport the caller already has open to it (typically the provisioning
// bearer's Send method). onComplete is invoked, off the core queue, once
// the handshake succeeds and the new node's keys have been installed;
// onFailed is invoked, also off the core queue, on any unrecoverable
// failure.
//
// A single unicast address is reserved for the device's primary element at
// session construction time, since the device's actual element count is
// only learned mid-handshake (via its Capabilities PDU) after the
// provisioning Data PDU's address field must already be fixed. A device
// reporting more than one element therefore has its additional elements'
// addresses left unallocated; this is a documented scope simplification
// (see DESIGN.md).
func (n *Network) NewProvisioningSession(device DeviceIdentity, send provisioning.Send, onComplete func(ProvisioningResult), onFailed func(error)) (*ProvisioningSession, error) {
	var (
		session *ProvisioningSession
		setupErr error
	)
	n.queue.PostAndWait(func() {
		if n.activeProvisioning != nil {
			setupErr = ErrProvisionerInUse
			return
		}

		addr, ok := n.allocateUnicastRange(1)
		if !ok {
			setupErr = ErrNoAddressAvailable
			return
		}

		netKey := n.firstNetworkKeyLocked()
		if netKey == nil {
			setupErr = ErrKeyIndexOutOfRange
			return
		}

		data := provisioning.Data{
			NetKey:         netKey.Master(),
			NetKeyIndex:    uint16(netKey.Index),
			IVIndex:        n.keys.IvIndex().TransmitIndex(),
			UnicastAddress: uint16(addr),
		}

		ps := &ProvisioningSession{n: n, device: device}
		ps.inner = provisioning.NewSession(send, nil, data, func(result provisioning.Result) {
			n.queue.Post(func() {
				node := Node{
					UUID:           device.UUID,
					PrimaryAddress: addr,
					ElementCount:   maxInt(1, int(result.NumElements)),
					DeviceKeyIndex: addr,
				}
				n.keys.AddDeviceKey(keystore.NewDeviceKey(uint16(addr), result.DeviceKey))
				n.addNode(node)
				n.activeProvisioning = nil
				if onComplete != nil {
					n.notify.Post(func() {
						onComplete(ProvisioningResult{Device: device, Node: node, DeviceKey: result.DeviceKey})
					})
				}
			})
		}, func(f *provisioning.Failure) {
			n.queue.Post(func() {
				n.activeProvisioning = nil
				if onFailed != nil {
					n.notify.Post(func() {
						onFailed(&ProvisioningError{Kind: mapFailureKind(f.Kind), Err: f.Err})
					})
				}
			})
		})

		n.activeProvisioning = ps
		session = ps
	})
	return session, setupErr
}

func (n *Network) firstNetworkKeyLocked() *keystore.NetworkKey {
	keys := n.keys.NetworkKeys()
	if len(keys) == 0 {
		return nil
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if k.Index < best.Index {
			best = k
		}
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mapFailureKind(k provisioning.FailureKind) ProvisioningErrorKind {
	switch k {
	case provisioning.FailureConfirmationFailed:
		return ProvisioningErrConfirmationFailed
	case provisioning.FailureUnsupportedAlgorithm:
		return ProvisioningErrUnsupportedAlgorithm
	case provisioning.FailureKeyGenerationFailed:
		return ProvisioningErrKeyGenerationFailed
	case provisioning.FailureInvalidState:
		return ProvisioningErrInvalidState
	case provisioning.FailureInvalidPDU:
		return ProvisioningErrInvalidPDU
	case provisioning.FailurePeerAborted:
		return ProvisioningErrPeerAborted
	default:
		return ProvisioningErrUnknown
	}
}
