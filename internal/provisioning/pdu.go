// Package provisioning implements the provisioner-role ECDH handshake FSM
// (SPEC_FULL.md §4.H) that brings an unprovisioned device into the network:
// Invite/Capabilities/Start, public key exchange, authentication,
// confirmation/random exchange, and encrypted provisioning-data delivery.
package provisioning

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidPDU is returned by the Decode* functions for malformed input.
var ErrInvalidPDU = errors.New("provisioning: invalid PDU")

// PDU type octets, the first byte of every provisioning PDU.
const (
	TypeInvite        byte = 0x00
	TypeCapabilities  byte = 0x01
	TypeStart         byte = 0x02
	TypePublicKey     byte = 0x03
	TypeInputComplete byte = 0x04
	TypeConfirmation  byte = 0x05
	TypeRandom        byte = 0x06
	TypeData          byte = 0x07
	TypeComplete      byte = 0x08
	TypeFailed        byte = 0x09
)

// Algorithm bitmask values as carried in Capabilities.Algorithms.
const AlgorithmFIPSP256 uint16 = 1 << 0

// AuthMethod selects how authValue (§4.H step 5) is derived.
type AuthMethod byte

const (
	AuthMethodNoOOB     AuthMethod = 0x00
	AuthMethodStaticOOB AuthMethod = 0x01
	AuthMethodOutputOOB AuthMethod = 0x02
	AuthMethodInputOOB  AuthMethod = 0x03
)

// Invite carries the provisioner's requested attention-timer duration.
type Invite struct {
	AttentionSeconds uint8
}

func EncodeInvite(i Invite) []byte { return []byte{TypeInvite, i.AttentionSeconds} }

func DecodeInvite(pdu []byte) (Invite, error) {
	if len(pdu) != 2 || pdu[0] != TypeInvite {
		return Invite{}, ErrInvalidPDU
	}
	return Invite{AttentionSeconds: pdu[1]}, nil
}

// Capabilities is the device's advertised provisioning capabilities.
type Capabilities struct {
	NumElements     uint8
	Algorithms      uint16
	PublicKeyType   uint8
	StaticOOBType   uint8
	OutputOOBSize   uint8
	OutputOOBAction uint16
	InputOOBSize    uint8
	InputOOBAction  uint16
}

func EncodeCapabilities(c Capabilities) []byte {
	out := make([]byte, 12)
	out[0] = TypeCapabilities
	out[1] = c.NumElements
	binary.BigEndian.PutUint16(out[2:4], c.Algorithms)
	out[4] = c.PublicKeyType
	out[5] = c.StaticOOBType
	out[6] = c.OutputOOBSize
	binary.BigEndian.PutUint16(out[7:9], c.OutputOOBAction)
	out[9] = c.InputOOBSize
	binary.BigEndian.PutUint16(out[10:12], c.InputOOBAction)
	return out
}

func DecodeCapabilities(pdu []byte) (Capabilities, error) {
	if len(pdu) != 12 || pdu[0] != TypeCapabilities {
		return Capabilities{}, ErrInvalidPDU
	}
	return Capabilities{
		NumElements:     pdu[1],
		Algorithms:      binary.BigEndian.Uint16(pdu[2:4]),
		PublicKeyType:   pdu[4],
		StaticOOBType:   pdu[5],
		OutputOOBSize:   pdu[6],
		OutputOOBAction: binary.BigEndian.Uint16(pdu[7:9]),
		InputOOBSize:    pdu[9],
		InputOOBAction:  binary.BigEndian.Uint16(pdu[10:12]),
	}, nil
}

// Start is the provisioner's chosen parameters for the rest of the
// handshake.
type Start struct {
	Algorithm     byte
	PublicKeyType byte
	AuthMethod    AuthMethod
	AuthAction    byte
	AuthSize      byte
}

func EncodeStart(s Start) []byte {
	return []byte{TypeStart, s.Algorithm, s.PublicKeyType, byte(s.AuthMethod), s.AuthAction, s.AuthSize}
}

func DecodeStart(pdu []byte) (Start, error) {
	if len(pdu) != 6 || pdu[0] != TypeStart {
		return Start{}, ErrInvalidPDU
	}
	return Start{
		Algorithm:     pdu[1],
		PublicKeyType: pdu[2],
		AuthMethod:    AuthMethod(pdu[3]),
		AuthAction:    pdu[4],
		AuthSize:      pdu[5],
	}, nil
}

// EncodePublicKey wraps a 64-byte X||Y public key as a PublicKey PDU.
func EncodePublicKey(xy [64]byte) []byte {
	out := make([]byte, 65)
	out[0] = TypePublicKey
	copy(out[1:], xy[:])
	return out
}

func DecodePublicKey(pdu []byte) ([64]byte, error) {
	var xy [64]byte
	if len(pdu) != 65 || pdu[0] != TypePublicKey {
		return xy, ErrInvalidPDU
	}
	copy(xy[:], pdu[1:])
	return xy, nil
}

func EncodeConfirmation(c [16]byte) []byte {
	out := make([]byte, 17)
	out[0] = TypeConfirmation
	copy(out[1:], c[:])
	return out
}

func DecodeConfirmation(pdu []byte) ([16]byte, error) {
	var c [16]byte
	if len(pdu) != 17 || pdu[0] != TypeConfirmation {
		return c, ErrInvalidPDU
	}
	copy(c[:], pdu[1:])
	return c, nil
}

func EncodeRandom(r [16]byte) []byte {
	out := make([]byte, 17)
	out[0] = TypeRandom
	copy(out[1:], r[:])
	return out
}

func DecodeRandom(pdu []byte) ([16]byte, error) {
	var r [16]byte
	if len(pdu) != 17 || pdu[0] != TypeRandom {
		return r, ErrInvalidPDU
	}
	copy(r[:], pdu[1:])
	return r, nil
}

// Data is the plaintext provisioning data §4.H step 9 encrypts: NetKey(16)
// || NetKeyIndex(16 BE) || flags(8) || IVIndex(32 BE) || UnicastAddress(16
// BE) = 25 bytes.
type Data struct {
	NetKey         [16]byte
	NetKeyIndex    uint16
	Flags          byte
	IVIndex        uint32
	UnicastAddress uint16
}

const DataPlaintextSize = 25

func (d Data) marshal() []byte {
	out := make([]byte, DataPlaintextSize)
	copy(out[0:16], d.NetKey[:])
	binary.BigEndian.PutUint16(out[16:18], d.NetKeyIndex)
	out[18] = d.Flags
	binary.BigEndian.PutUint32(out[19:23], d.IVIndex)
	binary.BigEndian.PutUint16(out[23:25], d.UnicastAddress)
	return out
}

func unmarshalData(b []byte) (Data, error) {
	if len(b) != DataPlaintextSize {
		return Data{}, ErrInvalidPDU
	}
	var d Data
	copy(d.NetKey[:], b[0:16])
	d.NetKeyIndex = binary.BigEndian.Uint16(b[16:18])
	d.Flags = b[18]
	d.IVIndex = binary.BigEndian.Uint32(b[19:23])
	d.UnicastAddress = binary.BigEndian.Uint16(b[23:25])
	return d, nil
}

// EncodeDataPDU wraps the already CCM-8-sealed provisioning data (33 bytes:
// 25-byte ciphertext plus 8-byte MIC) as a Data PDU.
func EncodeDataPDU(sealed []byte) []byte {
	out := make([]byte, 1+len(sealed))
	out[0] = TypeData
	copy(out[1:], sealed)
	return out
}

// DecodeDataPDU strips the Data PDU's type octet, returning the sealed
// ciphertext+MIC for the caller to open.
func DecodeDataPDU(pdu []byte) ([]byte, error) {
	if len(pdu) != 1+DataPlaintextSize+8 || pdu[0] != TypeData {
		return nil, ErrInvalidPDU
	}
	return pdu[1:], nil
}

// EncodeComplete/DecodeComplete: the Complete PDU carries no parameters.
func EncodeComplete() []byte { return []byte{TypeComplete} }

func DecodeComplete(pdu []byte) error {
	if len(pdu) != 1 || pdu[0] != TypeComplete {
		return ErrInvalidPDU
	}
	return nil
}

// FailReason enumerates the wire values a Failed PDU carries.
type FailReason byte

const (
	FailReasonInvalidPDU          FailReason = 0x01
	FailReasonInvalidFormat       FailReason = 0x02
	FailReasonUnexpectedPDU       FailReason = 0x03
	FailReasonConfirmationFailed  FailReason = 0x04
	FailReasonOutOfResources      FailReason = 0x05
	FailReasonDecryptionFailed    FailReason = 0x06
	FailReasonUnexpectedError     FailReason = 0x07
	FailReasonCannotAssignAddress FailReason = 0x08
)

func EncodeFailed(r FailReason) []byte { return []byte{TypeFailed, byte(r)} }

func DecodeFailed(pdu []byte) (FailReason, error) {
	if len(pdu) != 2 || pdu[0] != TypeFailed {
		return 0, ErrInvalidPDU
	}
	return FailReason(pdu[1]), nil
}
