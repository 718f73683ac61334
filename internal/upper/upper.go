// Package upper implements the Bluetooth Mesh upper transport layer: access
// payload encryption/decryption under an AppKey or DevKey, nonce assembly,
// and virtual-address AAD handling (SPEC_FULL.md §4.E).
package upper

import (
	"encoding/binary"
	"errors"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// ErrInvalidPayload is returned when an access payload is too short to
// contain a MIC.
var ErrInvalidPayload = errors.New("upper: invalid payload")

// KeyKind selects which nonce type (and therefore which kind of key) an
// access payload is encrypted under.
type KeyKind int

const (
	KeyKindApp KeyKind = iota
	KeyKindDevice
	KeyKindProxyConfig
)

// shortMicSize and longMicSize are the 32-bit and 64-bit access MIC sizes
// the layer picks between so the encrypted payload fits the segmentation
// threshold exactly (SPEC_FULL.md §4.E).
const (
	shortMicSize = 4
	longMicSize  = 8
)

// SealParams bundles everything needed to encrypt one access payload.
type SealParams struct {
	Key          [16]byte
	Kind         KeyKind
	Seq          uint32 // low 24 bits significant
	Src, Dst     uint16
	IVIndex      uint32
	LongMIC      bool // SZMIC=1: use the 64-bit MIC (segmented messages may choose this)
	Plaintext    []byte
	VirtualLabel *[16]byte // AAD when Dst is a virtual address; nil otherwise
}

// Seal encrypts an access payload, returning ciphertext||MIC and the SZMIC
// bit actually used.
func Seal(p SealParams) (sealed []byte, szmic bool, err error) {
	nonce := buildNonce(p.Kind, p.LongMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
	micSize := shortMicSize
	if p.LongMIC {
		micSize = longMicSize
	}
	var aad []byte
	if p.VirtualLabel != nil {
		aad = p.VirtualLabel[:]
	}
	sealed, err = meshcrypto.CCMSeal(p.Key[:], nonce, p.Plaintext, aad, micSize)
	if err != nil {
		return nil, false, err
	}
	return sealed, p.LongMIC, nil
}

// OpenParams bundles everything needed to decrypt one access payload.
type OpenParams struct {
	Key          [16]byte
	Kind         KeyKind
	Seq          uint32
	Src, Dst     uint16
	IVIndex      uint32
	SZMIC        bool
	Sealed       []byte
	VirtualLabel *[16]byte
}

// Open decrypts and authenticates an access payload.
func Open(p OpenParams) ([]byte, error) {
	micSize := shortMicSize
	if p.SZMIC {
		micSize = longMicSize
	}
	if len(p.Sealed) < micSize {
		return nil, ErrInvalidPayload
	}
	nonce := buildNonce(p.Kind, p.SZMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
	var aad []byte
	if p.VirtualLabel != nil {
		aad = p.VirtualLabel[:]
	}
	return meshcrypto.CCMOpen(p.Key[:], nonce, p.Sealed, aad, micSize)
}

// buildNonce assembles the 13-byte application/device/proxy-config nonce
// per SPEC_FULL.md §4.E. aszmic is ignored for KeyKindProxyConfig, whose
// second byte is always 0x00.
func buildNonce(kind KeyKind, aszmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	nonce := make([]byte, 13)
	switch kind {
	case KeyKindApp:
		nonce[0] = 0x01
		if aszmic {
			nonce[1] = 0x80
		}
	case KeyKindDevice:
		nonce[0] = 0x02
		if aszmic {
			nonce[1] = 0x80
		}
	case KeyKindProxyConfig:
		nonce[0] = 0x03
	}
	putUint24(nonce[2:5], seq)
	binary.BigEndian.PutUint16(nonce[5:7], src)
	if kind == KeyKindProxyConfig {
		// DST field zeroed for proxy-config nonces.
	} else {
		binary.BigEndian.PutUint16(nonce[7:9], dst)
	}
	binary.BigEndian.PutUint32(nonce[9:13], ivIndex)
	return nonce
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}
