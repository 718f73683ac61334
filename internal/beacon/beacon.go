// Package beacon implements the Secure Network Beacon PDU and the IV-Index
// acceptance algorithm driven by it (SPEC_FULL.md §4.G).
package beacon

import (
	"encoding/binary"
	"errors"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// ErrInvalidBeacon is returned when a raw beacon PDU is malformed or its
// auth field does not verify under any candidate beacon key.
var ErrInvalidBeacon = errors.New("beacon: invalid secure network beacon")

const beaconType = 0x01

// flag bits within the beacon's flags octet.
const (
	flagKeyRefresh = 1 << 0
	flagIvUpdate   = 1 << 1
)

// Beacon is a decoded Secure Network Beacon: type=0x01 || flags(8) ||
// NetworkID(64) || IVIndex(32) || authValue(64).
type Beacon struct {
	KeyRefreshInProgress bool
	IVUpdateActive       bool
	NetworkID            uint64
	IVIndex              uint32
}

// Build constructs the raw PDU for a beacon this node emits, authenticated
// under beaconKey. The wire form is type(1) || flags(1) || NetworkID(8) ||
// IVIndex(4) || authValue(8) = 22 bytes.
func Build(b Beacon, networkID uint64, beaconKey [16]byte) ([]byte, error) {
	body := make([]byte, 14)
	body[0] = beaconType
	body[1] = flagsOctet(b)
	binary.BigEndian.PutUint64(body[2:10], networkID)
	binary.BigEndian.PutUint32(body[10:14], b.IVIndex)
	return sign(body, beaconKey)
}

func flagsOctet(b Beacon) byte {
	var f byte
	if b.KeyRefreshInProgress {
		f |= flagKeyRefresh
	}
	if b.IVUpdateActive {
		f |= flagIvUpdate
	}
	return f
}

func sign(body []byte, beaconKey [16]byte) ([]byte, error) {
	tag, err := meshcrypto.CMAC(beaconKey[:], body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body)+8)
	copy(out, body)
	copy(out[len(body):], tag[:8])
	return out, nil
}

// CandidateKey is one (networkId, beaconKey) pair the caller wants Decode to
// try, e.g. the current and old derivatives of each known NetworkKey.
type CandidateKey struct {
	NetKeyIndex int
	NetworkID   uint64
	BeaconKey   [16]byte
	IsOld       bool
}

// Decoded is a verified inbound beacon plus which candidate key authorised
// it.
type Decoded struct {
	Beacon
	MatchedKey CandidateKey
}

// Decode verifies raw against each candidate in turn and returns the first
// match. Candidates are tried in order; callers should order current-key
// derivatives before old-key derivatives if a preference matters.
func Decode(raw []byte, candidates []CandidateKey) (Decoded, error) {
	if len(raw) != 22 || raw[0] != beaconType {
		return Decoded{}, ErrInvalidBeacon
	}
	body := raw[:14]
	authValue := raw[14:22]
	networkID := binary.BigEndian.Uint64(body[2:10])
	ivIndex := binary.BigEndian.Uint32(body[10:14])
	flags := body[1]

	for _, c := range candidates {
		if c.NetworkID != networkID {
			continue
		}
		tag, err := meshcrypto.CMAC(c.BeaconKey[:], body)
		if err != nil {
			return Decoded{}, err
		}
		if meshcrypto.ConstantTimeEqual(tag[:8], authValue) {
			return Decoded{
				Beacon: Beacon{
					KeyRefreshInProgress: flags&flagKeyRefresh != 0,
					IVUpdateActive:       flags&flagIvUpdate != 0,
					NetworkID:            networkID,
					IVIndex:              ivIndex,
				},
				MatchedKey: c,
			}, nil
		}
	}
	return Decoded{}, ErrInvalidBeacon
}
