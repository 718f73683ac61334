// Package transport implements the lower transport layer: single-segment
// and segmented access PDUs, the segmentation-and-reassembly (SAR) state
// machine driving both directions, and the unencrypted control-PDU opcodes
// (segment acknowledgment, heartbeat) that ride alongside it.
package transport

import (
	"errors"
)

// ErrInvalidHeader is returned by the Decode* functions when a PDU is too
// short or carries an out-of-range field for its kind.
var ErrInvalidHeader = errors.New("transport: invalid lower transport header")

const (
	segBit = 0x80

	// maxUnsegmentedPayload is the largest upper-transport PDU that fits a
	// single unsegmented access message.
	maxUnsegmentedPayload = 15
	// MaxUnsegmentedPayload exports the same limit for callers deciding
	// whether a sealed payload needs segmentation before EncodeSingle.
	MaxUnsegmentedPayload = maxUnsegmentedPayload
	// SegmentPayloadSize is the payload carried by each segment of a
	// segmented access message.
	SegmentPayloadSize = 12
	// MaxSegN is the largest SegN a 5-bit field can encode (32 segments).
	MaxSegN = 31
)

// SegmentedHeader is the 4-byte header preceding each segment's 12-byte
// payload: SEG(1)=1 || AKF(1) || AID(6) || SZMIC(1) || SeqZero(13) ||
// SegO(5) || SegN(5).
type SegmentedHeader struct {
	AKF     bool
	AID     byte // 6 bits
	SZMIC   bool
	SeqZero uint16 // 13 bits
	SegO    uint8  // 5 bits
	SegN    uint8  // 5 bits
}

// EncodeSingle builds an unsegmented access message: AKF(1) || AID(6) in the
// header byte's top bits (SEG=0 implicit), followed by payload as-is. Per
// §4.D an unsegmented message always carries the short 32-bit MIC, so no
// SZMIC bit is encoded.
func EncodeSingle(akf bool, aid byte, payload []byte) ([]byte, error) {
	if len(payload) > maxUnsegmentedPayload {
		return nil, ErrInvalidHeader
	}
	out := make([]byte, 1+len(payload))
	out[0] = headerByte(akf, aid)
	copy(out[1:], payload)
	return out, nil
}

// DecodeSingle reverses EncodeSingle, returning akf, aid and the payload.
func DecodeSingle(pdu []byte) (akf bool, aid byte, payload []byte, err error) {
	if len(pdu) < 1 || pdu[0]&segBit != 0 {
		return false, 0, nil, ErrInvalidHeader
	}
	akf = pdu[0]&0x40 != 0
	aid = pdu[0] & 0x3f
	return akf, aid, pdu[1:], nil
}

func headerByte(akf bool, aid byte) byte {
	var b byte
	if akf {
		b |= 0x40
	}
	b |= aid & 0x3f
	return b
}

// EncodeSegment builds one segment of a segmented access message: the
// 4-byte SegmentedHeader followed by exactly one segment's worth of
// payload (the caller must already have split the upper-transport PDU into
// SegmentPayloadSize-sized chunks, the final chunk possibly shorter).
func EncodeSegment(h SegmentedHeader, payload []byte) ([]byte, error) {
	if h.AID > 0x3f || h.SeqZero > 0x1fff || h.SegO > MaxSegN || h.SegN > MaxSegN || h.SegO > h.SegN {
		return nil, ErrInvalidHeader
	}
	if len(payload) > SegmentPayloadSize {
		return nil, ErrInvalidHeader
	}
	out := make([]byte, 4+len(payload))
	out[0] = segBit | headerByte(h.AKF, h.AID)

	var rest uint32
	if h.SZMIC {
		rest |= 1 << 23
	}
	rest |= uint32(h.SeqZero&0x1fff) << 10
	rest |= uint32(h.SegO&0x1f) << 5
	rest |= uint32(h.SegN & 0x1f)

	out[1] = byte(rest >> 16)
	out[2] = byte(rest >> 8)
	out[3] = byte(rest)
	copy(out[4:], payload)
	return out, nil
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(pdu []byte) (SegmentedHeader, []byte, error) {
	if len(pdu) < 4 || pdu[0]&segBit == 0 {
		return SegmentedHeader{}, nil, ErrInvalidHeader
	}
	rest := uint32(pdu[1])<<16 | uint32(pdu[2])<<8 | uint32(pdu[3])
	h := SegmentedHeader{
		AKF:     pdu[0]&0x40 != 0,
		AID:     pdu[0] & 0x3f,
		SZMIC:   rest&(1<<23) != 0,
		SeqZero: uint16(rest>>10) & 0x1fff,
		SegO:    uint8(rest>>5) & 0x1f,
		SegN:    uint8(rest) & 0x1f,
	}
	return h, pdu[4:], nil
}

// SeqAuth computes the reassembly/seqAuth key from a message's IV-Index and
// the SeqZero plus the high bits of the first segment's seq value, per
// §4.D: (IVIndex<<24) | SeqZero-extended(seq).
func SeqAuth(ivIndex uint32, seq uint32, seqZero uint16) uint64 {
	extended := (seq &^ 0x1fff) | uint32(seqZero)
	if extended > seq {
		extended -= 0x2000
	}
	return uint64(ivIndex)<<24 | uint64(extended)
}

// Split breaks a plaintext upper-transport PDU into SegmentPayloadSize
// chunks for a segmented message, returning the SegN the caller should use
// for every segment's header.
func Split(payload []byte) ([][]byte, uint8, error) {
	if len(payload) == 0 {
		return nil, 0, ErrInvalidHeader
	}
	n := (len(payload) + SegmentPayloadSize - 1) / SegmentPayloadSize
	if n-1 > MaxSegN {
		return nil, 0, ErrInvalidHeader
	}
	chunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * SegmentPayloadSize
		end := start + SegmentPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks[i] = payload[start:end]
	}
	return chunks, uint8(n - 1), nil
}
