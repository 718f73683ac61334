// Package network implements the Bluetooth Mesh network layer: Network PDU
// construction/obfuscation, NID-based key candidate filtering, and the
// replay cache (SPEC_FULL.md §4.C). It knows nothing about NetworkKey
// refresh phases or the IV-Index FSM — the manager facade supplies the raw
// session keys and IV-Index to use for each operation, keeping this package
// testable against the SIG sample vectors in isolation.
package network

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// ErrInvalidPdu is returned when a raw PDU is too short to be a network PDU.
var ErrInvalidPdu = errors.New("network: invalid pdu")

const (
	accessMicSize  = 4
	controlMicSize = 8
)

// SessionKeys is the triple derived from one NetworkKey generation that the
// network layer needs to encode or decode a PDU.
type SessionKeys struct {
	NID           byte
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
}

// Outbound holds everything needed to build one outbound Network PDU.
type Outbound struct {
	Keys         SessionKeys
	IVIndex      uint32
	Control      bool
	TTL          uint8
	Seq          uint32 // low 24 bits significant
	Src, Dst     uint16
	TransportPDU []byte
}

// Encode builds an obfuscated, encrypted Network PDU per SPEC_FULL.md §4.C.
func Encode(o Outbound) ([]byte, error) {
	privacyBlock, err := aes.NewCipher(o.Keys.PrivacyKey[:])
	if err != nil {
		return nil, err
	}

	nonce := networkNonce(o.Control, o.TTL, o.Seq, o.Src, o.IVIndex)

	plaintext := make([]byte, 2+len(o.TransportPDU))
	binary.BigEndian.PutUint16(plaintext[0:2], o.Dst)
	copy(plaintext[2:], o.TransportPDU)

	micSize := accessMicSize
	if o.Control {
		micSize = controlMicSize
	}
	sealed, err := meshcrypto.CCMSeal(o.Keys.EncryptionKey[:], nonce, plaintext, nil, micSize)
	if err != nil {
		return nil, err
	}

	pdu := make([]byte, 9+len(sealed))
	ivi := byte(o.IVIndex & 0x01)
	pdu[0] = (ivi << 7) | (o.Keys.NID & 0x7F)
	ctl := byte(0)
	if o.Control {
		ctl = 1
	}
	pdu[1] = (ctl << 7) | (o.TTL & 0x7F)
	putUint24(pdu[2:5], o.Seq)
	binary.BigEndian.PutUint16(pdu[5:7], o.Src)
	copy(pdu[7:], sealed)

	obfuscateMask := privacyObfuscation(privacyBlock, o.IVIndex, privacyRandomBytes(sealed))
	for i := 0; i < 6; i++ {
		pdu[1+i] ^= obfuscateMask[i]
	}

	return pdu, nil
}

// Decoded is the result of successfully decoding and authenticating an
// inbound Network PDU.
type Decoded struct {
	IVI          byte
	Control      bool
	TTL          uint8
	Seq          uint32
	Src, Dst     uint16
	TransportPDU []byte
}

// Decode attempts to deobfuscate and open raw with keys. It does not consult
// IV-Index or the replay cache; the caller filters candidate Keys by NID and
// checks the result against the replay cache.
func Decode(raw []byte, keys SessionKeys, ivIndex uint32) (Decoded, error) {
	if len(raw) < 9 {
		return Decoded{}, ErrInvalidPdu
	}
	if raw[0]&0x7F != keys.NID {
		return Decoded{}, ErrInvalidPdu
	}

	privacyBlock, err := aes.NewCipher(keys.PrivacyKey[:])
	if err != nil {
		return Decoded{}, err
	}

	sealed := raw[7:]
	obfuscateMask := privacyObfuscation(privacyBlock, ivIndex, privacyRandomBytes(sealed))

	header := make([]byte, 6)
	copy(header, raw[1:7])
	for i := 0; i < 6; i++ {
		header[i] ^= obfuscateMask[i]
	}

	ivi := raw[0] >> 7
	ctl := header[0] >> 7
	ttl := header[0] & 0x7F
	seq := getUint24(header[1:4])
	src := binary.BigEndian.Uint16(header[4:6])

	nonce := networkNonce(ctl == 1, ttl, seq, src, ivIndex)
	micSize := accessMicSize
	if ctl == 1 {
		micSize = controlMicSize
	}
	plaintext, err := meshcrypto.CCMOpen(keys.EncryptionKey[:], nonce, sealed, nil, micSize)
	if err != nil {
		return Decoded{}, err
	}
	if len(plaintext) < 2 {
		return Decoded{}, ErrInvalidPdu
	}

	return Decoded{
		IVI:          ivi,
		Control:      ctl == 1,
		TTL:          ttl,
		Seq:          seq,
		Src:          src,
		Dst:          binary.BigEndian.Uint16(plaintext[0:2]),
		TransportPDU: plaintext[2:],
	}, nil
}

// networkNonce builds the 13-byte network nonce: 0x00 || CTL<<7|TTL || SEQ
// || SRC || 0x0000 || IVIndex.
func networkNonce(control bool, ttl uint8, seq uint32, src uint16, ivIndex uint32) []byte {
	nonce := make([]byte, 13)
	nonce[0] = 0x00
	ctl := byte(0)
	if control {
		ctl = 1
	}
	nonce[1] = (ctl << 7) | (ttl & 0x7F)
	putUint24(nonce[2:5], seq)
	binary.BigEndian.PutUint16(nonce[5:7], src)
	// nonce[7:9] left zero
	binary.BigEndian.PutUint32(nonce[9:13], ivIndex)
	return nonce
}

// privacyRandomBytes returns the first 7 bytes of the encrypted Network PDU
// (EncDST || EncTransportPDU || NetMIC), the "PrivacyRandom" field used to
// build the obfuscation PECB.
func privacyRandomBytes(sealed []byte) [7]byte {
	var pr [7]byte
	copy(pr[:], sealed)
	return pr
}

// privacyObfuscation computes the first 6 bytes of
// AES(privacyKey, 0x0000000000 || IVIndex || privacyRandom), the mask XORed
// into CTL|TTL || SEQ || SRC to obfuscate them on the wire. The PECB input
// is 5 zero bytes || 4-byte IVIndex || 7-byte PrivacyRandom = 16 bytes, one
// AES block.
func privacyObfuscation(privacyBlock cipher.Block, ivIndex uint32, privacyRandom [7]byte) [6]byte {
	pecb := make([]byte, 16)
	// pecb[0:5] left zero
	binary.BigEndian.PutUint32(pecb[5:9], ivIndex)
	copy(pecb[9:], privacyRandom[:])

	out := make([]byte, 16)
	privacyBlock.Encrypt(out, pecb)

	var mask [6]byte
	copy(mask[:], out[:6])
	return mask
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func getUint24(src []byte) uint32 {
	return uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
}
