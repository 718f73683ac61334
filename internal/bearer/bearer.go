// Package bearer defines the external transport the core hands whole PDUs
// to and receives whole PDUs from (SPEC_FULL.md §6). Bearer I/O itself —
// BLE advertising/scanning, GATT proxy connection handling — is out of
// scope; a host supplies an implementation (e.g. the in-process loopback
// bearer used by the demo harness).
package bearer

// PduType classifies the PDU a Bearer is asked to send or has received, so
// one bearer implementation can carry all four kinds the core produces.
type PduType int

const (
	NetworkPDU PduType = iota
	MeshBeacon
	ProxyConfiguration
	ProvisioningPDU
)

func (k PduType) String() string {
	switch k {
	case NetworkPDU:
		return "networkPDU"
	case MeshBeacon:
		return "meshBeacon"
	case ProxyConfiguration:
		return "proxyConfiguration"
	case ProvisioningPDU:
		return "provisioningPDU"
	default:
		return "unknown"
	}
}

// InboundHandler receives a whole PDU delivered by the bearer, along with
// its kind.
type InboundHandler func(pdu []byte, kind PduType)

// Bearer is the transport the core sends PDUs through and receives PDUs
// from. The bearer may fragment/unfragment its own GATT proxy framing; the
// core only ever sees whole PDUs.
type Bearer interface {
	Send(pdu []byte, kind PduType) error
	SetInboundHandler(handler InboundHandler)
}
