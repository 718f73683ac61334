// Package keystore holds the Network/Application/Device keys and the
// IV-Index, recomputing every derived cryptographic quantity whenever a key
// is mutated so readers never observe a half-derived key (SPEC_FULL.md
// §4.B).
package keystore

import (
	"time"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// KeyRefreshPhase is a NetworkKey's position in the key-refresh procedure.
type KeyRefreshPhase int

const (
	PhaseNormalOperation KeyRefreshPhase = iota
	PhaseDistributingKeys
	PhaseFinalizing
)

// derivedNetKeys bundles every quantity recomputed from a single 128-bit
// network master key.
type derivedNetKeys struct {
	master        [16]byte
	nid           byte
	encryptionKey [16]byte
	privacyKey    [16]byte
	beaconKey     [16]byte
	identityKey   [16]byte
	networkID     uint64
}

func deriveNetKeys(master [16]byte) (derivedNetKeys, error) {
	var d derivedNetKeys
	d.master = master

	k2, err := meshcrypto.K2(master[:], []byte{0x00})
	if err != nil {
		return d, err
	}
	d.nid = k2.NID
	d.encryptionKey = k2.EncryptionKey
	d.privacyKey = k2.PrivacyKey

	beaconSalt, err := meshcrypto.S1([]byte("nkbk"))
	if err != nil {
		return d, err
	}
	beaconKey, err := meshcrypto.K1(master[:], beaconSalt, []byte{})
	if err != nil {
		return d, err
	}
	copy(d.beaconKey[:], beaconKey)

	identitySalt, err := meshcrypto.S1([]byte("nkik"))
	if err != nil {
		return d, err
	}
	identityKey, err := meshcrypto.K1(master[:], identitySalt, append([]byte("id128"), 0x01))
	if err != nil {
		return d, err
	}
	copy(d.identityKey[:], identityKey)

	networkID, err := meshcrypto.K3(master[:])
	if err != nil {
		return d, err
	}
	d.networkID = networkID

	return d, nil
}

// NetworkKey is an immutable master key plus the node's view of its
// key-refresh phase. Mutating methods return a new value; NetworkKey itself
// never changes in place, matching the "derivations computed before
// publication" rule in SPEC_FULL.md §5.
type NetworkKey struct {
	Index int

	cur derivedNetKeys
	old *derivedNetKeys

	Phase             KeyRefreshPhase
	LastPhaseChangeAt time.Time
}

// NewNetworkKey derives a fresh NetworkKey at the given key index.
func NewNetworkKey(index int, master [16]byte) (*NetworkKey, error) {
	cur, err := deriveNetKeys(master)
	if err != nil {
		return nil, err
	}
	return &NetworkKey{Index: index, cur: cur, Phase: PhaseNormalOperation}, nil
}

// Master returns the current 128-bit master key.
func (k *NetworkKey) Master() [16]byte { return k.cur.master }

// NID returns the current key's 7-bit NID.
func (k *NetworkKey) NID() byte { return k.cur.nid }

// OldNID returns the old key's NID and true, or (0, false) if there is no
// old key (not in refresh).
func (k *NetworkKey) OldNID() (byte, bool) {
	if k.old == nil {
		return 0, false
	}
	return k.old.nid, true
}

// EncryptionKey and PrivacyKey return the current key's network-layer
// session keys.
func (k *NetworkKey) EncryptionKey() [16]byte { return k.cur.encryptionKey }
func (k *NetworkKey) PrivacyKey() [16]byte    { return k.cur.privacyKey }
func (k *NetworkKey) BeaconKey() [16]byte     { return k.cur.beaconKey }
func (k *NetworkKey) IdentityKey() [16]byte   { return k.cur.identityKey }
func (k *NetworkKey) NetworkID() uint64       { return k.cur.networkID }

// OldEncryptionKey, OldPrivacyKey and OldBeaconKey return the old key's
// derived quantities; ok is false if there is no old key.
func (k *NetworkKey) OldEncryptionKey() (key [16]byte, ok bool) {
	if k.old == nil {
		return key, false
	}
	return k.old.encryptionKey, true
}

func (k *NetworkKey) OldPrivacyKey() (key [16]byte, ok bool) {
	if k.old == nil {
		return key, false
	}
	return k.old.privacyKey, true
}

func (k *NetworkKey) OldBeaconKey() (key [16]byte, ok bool) {
	if k.old == nil {
		return key, false
	}
	return k.old.beaconKey, true
}

// HasOld reports whether the key is mid key-refresh (an old key is kept
// around).
func (k *NetworkKey) HasOld() bool { return k.old != nil }

// BeginKeyRefresh introduces a new master key as "current", demoting the
// present key to "old", and enters PhaseDistributingKeys. Per SPEC_FULL.md
// §3's invariant, the node keeps transmitting with the old key while in
// this phase (see TransmitKeys).
func (k *NetworkKey) BeginKeyRefresh(newMaster [16]byte, now time.Time) error {
	newCur, err := deriveNetKeys(newMaster)
	if err != nil {
		return err
	}
	old := k.cur
	k.old = &old
	k.cur = newCur
	k.Phase = PhaseDistributingKeys
	k.LastPhaseChangeAt = now
	return nil
}

// AdvancePhase moves the key-refresh phase forward (distributingKeys ->
// finalizing -> normalOperation). Completing finalizing discards the old
// key.
func (k *NetworkKey) AdvancePhase(now time.Time) {
	switch k.Phase {
	case PhaseDistributingKeys:
		k.Phase = PhaseFinalizing
	case PhaseFinalizing:
		k.Phase = PhaseNormalOperation
		k.old = nil
	}
	k.LastPhaseChangeAt = now
}

// TransmitKeys returns the (encryptionKey, privacyKey, nid) this node must
// transmit with right now: the old triple while distributingKeys, the
// current triple otherwise (SPEC_FULL.md §3 invariant).
func (k *NetworkKey) TransmitKeys() (encKey, privKey [16]byte, nid byte) {
	if k.Phase == PhaseDistributingKeys && k.old != nil {
		return k.old.encryptionKey, k.old.privacyKey, k.old.nid
	}
	return k.cur.encryptionKey, k.cur.privacyKey, k.cur.nid
}
