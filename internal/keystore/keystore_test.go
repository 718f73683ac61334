package keystore

import (
	"testing"
	"time"
)

func TestNetworkKeyDerivation(t *testing.T) {
	var master [16]byte
	copy(master[:], []byte("0123456789abcdef"))

	nk, err := NewNetworkKey(0, master)
	if err != nil {
		t.Fatalf("NewNetworkKey: %v", err)
	}
	if nk.HasOld() {
		t.Fatalf("fresh key should have no old generation")
	}
	encKey, privKey, nid := nk.TransmitKeys()
	if encKey != nk.EncryptionKey() || privKey != nk.PrivacyKey() || nid != nk.NID() {
		t.Fatalf("TransmitKeys should equal current keys outside refresh")
	}
}

func TestNetworkKeyRefreshLifecycle(t *testing.T) {
	var oldMaster, newMaster [16]byte
	copy(oldMaster[:], []byte("aaaaaaaaaaaaaaaa"))
	copy(newMaster[:], []byte("bbbbbbbbbbbbbbbb"))

	nk, err := NewNetworkKey(0, oldMaster)
	if err != nil {
		t.Fatalf("NewNetworkKey: %v", err)
	}
	oldEnc := nk.EncryptionKey()

	now := time.Unix(1000, 0)
	if err := nk.BeginKeyRefresh(newMaster, now); err != nil {
		t.Fatalf("BeginKeyRefresh: %v", err)
	}
	if !nk.HasOld() {
		t.Fatalf("expected old generation retained during refresh")
	}
	if nk.Phase != PhaseDistributingKeys {
		t.Fatalf("phase = %v, want PhaseDistributingKeys", nk.Phase)
	}
	encKey, _, _ := nk.TransmitKeys()
	if encKey != oldEnc {
		t.Fatalf("node must keep transmitting with old key during distributingKeys")
	}

	nk.AdvancePhase(now)
	if nk.Phase != PhaseFinalizing {
		t.Fatalf("phase = %v, want PhaseFinalizing", nk.Phase)
	}
	encKey, _, _ = nk.TransmitKeys()
	if encKey != nk.EncryptionKey() {
		t.Fatalf("node must transmit with new key once finalizing")
	}

	nk.AdvancePhase(now)
	if nk.Phase != PhaseNormalOperation {
		t.Fatalf("phase = %v, want PhaseNormalOperation", nk.Phase)
	}
	if nk.HasOld() {
		t.Fatalf("old generation must be discarded after finalizing completes")
	}
}

func TestIvIndexAdvanceStampsTransition(t *testing.T) {
	iv := NewIvIndex(10)
	if iv.LastTransition != nil {
		t.Fatalf("fresh IvIndex should have no transition history")
	}
	now := time.Unix(1000, 0)
	iv.Advance(11, true, now)
	if iv.Index != 11 || !iv.UpdateActive {
		t.Fatalf("Advance did not update state")
	}
	if iv.LastTransition == nil || !iv.LastTransition.Equal(now) {
		t.Fatalf("Advance did not stamp LastTransition")
	}
}

func TestApplicationKeyAIDMatch(t *testing.T) {
	var master [16]byte
	copy(master[:], []byte("cccccccccccccccc"))
	ak, err := NewApplicationKey(0, 0, master)
	if err != nil {
		t.Fatalf("NewApplicationKey: %v", err)
	}
	matchesOld, ok := ak.MatchAID(ak.AID())
	if !ok || matchesOld {
		t.Fatalf("current AID should match without matchesOld")
	}
}

func TestKeyStoreNIDLookup(t *testing.T) {
	store := New(0)
	var master [16]byte
	copy(master[:], []byte("dddddddddddddddd"))
	nk, err := NewNetworkKey(3, master)
	if err != nil {
		t.Fatalf("NewNetworkKey: %v", err)
	}
	store.AddNetworkKey(nk)

	matches := store.NetworkKeysMatchingNID(nk.NID())
	if len(matches) != 1 || matches[0].Index != 3 {
		t.Fatalf("NetworkKeysMatchingNID = %v, want single match at index 3", matches)
	}
}
