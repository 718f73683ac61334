package keystore

import meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"

// derivedAppKeys bundles the quantities recomputed from a single 128-bit
// application key.
type derivedAppKeys struct {
	master []byte
	aid    byte
}

func deriveAppKeys(master [16]byte) (derivedAppKeys, error) {
	k4, err := meshcrypto.K4(master[:])
	if err != nil {
		return derivedAppKeys{}, err
	}
	m := master
	return derivedAppKeys{master: m[:], aid: k4}, nil
}

// ApplicationKey is an application key bound to one NetworkKey by index.
// Like NetworkKey it supports key refresh: a BoundNetworkKeyIndex old/new
// pair swap together during a key-refresh procedure.
type ApplicationKey struct {
	Index                int
	BoundNetworkKeyIndex int

	cur derivedAppKeys
	old *derivedAppKeys
}

// NewApplicationKey derives a fresh ApplicationKey bound to netKeyIndex.
func NewApplicationKey(index, netKeyIndex int, master [16]byte) (*ApplicationKey, error) {
	cur, err := deriveAppKeys(master)
	if err != nil {
		return nil, err
	}
	return &ApplicationKey{Index: index, BoundNetworkKeyIndex: netKeyIndex, cur: cur}, nil
}

// Master and AID return the current key's master key and its 6-bit AID.
func (k *ApplicationKey) Master() [16]byte {
	var m [16]byte
	copy(m[:], k.cur.master)
	return m
}

func (k *ApplicationKey) AID() byte { return k.cur.aid }

// HasOld reports whether an old key is retained for key-refresh transition.
func (k *ApplicationKey) HasOld() bool { return k.old != nil }

// OldMaster and OldAID return the old key's quantities; ok is false absent
// an old key.
func (k *ApplicationKey) OldMaster() (m [16]byte, ok bool) {
	if k.old == nil {
		return m, false
	}
	copy(m[:], k.old.master)
	return m, true
}

func (k *ApplicationKey) OldAID() (aid byte, ok bool) {
	if k.old == nil {
		return 0, false
	}
	return k.old.aid, true
}

// BeginKeyRefresh demotes the current key to old and installs newMaster as
// current, mirroring NetworkKey.BeginKeyRefresh. The caller (keystore) drives
// this in lockstep with the bound NetworkKey's phase.
func (k *ApplicationKey) BeginKeyRefresh(newMaster [16]byte) error {
	newCur, err := deriveAppKeys(newMaster)
	if err != nil {
		return err
	}
	old := k.cur
	k.old = &old
	k.cur = newCur
	return nil
}

// CompleteKeyRefresh discards the old key once the bound NetworkKey finishes
// its refresh procedure.
func (k *ApplicationKey) CompleteKeyRefresh() { k.old = nil }

// MatchAID reports whether candidate matches either the current or (if
// present) the old AID, and which generation matched.
func (k *ApplicationKey) MatchAID(candidate byte) (matchesOld bool, ok bool) {
	if k.cur.aid == candidate {
		return false, true
	}
	if k.old != nil && k.old.aid == candidate {
		return true, true
	}
	return false, false
}
