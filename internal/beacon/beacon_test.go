package beacon

import "testing"

func TestBuildDecodeRoundTrip(t *testing.T) {
	var beaconKey [16]byte
	copy(beaconKey[:], []byte("beaconkey1234567"))
	const networkID = 0x1122334455667788

	b := Beacon{
		KeyRefreshInProgress: true,
		IVUpdateActive:       false,
		IVIndex:              0x12345678,
	}

	raw, err := Build(b, networkID, beaconKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(raw) != 22 {
		t.Fatalf("beacon PDU length = %d, want 22", len(raw))
	}

	candidates := []CandidateKey{{NetKeyIndex: 0, NetworkID: networkID, BeaconKey: beaconKey}}
	decoded, err := Decode(raw, candidates)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.KeyRefreshInProgress || decoded.IVUpdateActive {
		t.Fatalf("decoded flags mismatch: %+v", decoded.Beacon)
	}
	if decoded.IVIndex != b.IVIndex {
		t.Fatalf("decoded IVIndex = %x, want %x", decoded.IVIndex, b.IVIndex)
	}
	if decoded.MatchedKey.NetKeyIndex != 0 {
		t.Fatalf("matched wrong candidate: %+v", decoded.MatchedKey)
	}
}

func TestDecodeRejectsTamperedAuth(t *testing.T) {
	var beaconKey [16]byte
	copy(beaconKey[:], []byte("beaconkey1234567"))
	const networkID = 0xaabbccddeeff0011

	raw, err := Build(Beacon{IVIndex: 1}, networkID, beaconKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	raw[len(raw)-1] ^= 0xff

	_, err = Decode(raw, []CandidateKey{{NetworkID: networkID, BeaconKey: beaconKey}})
	if err != ErrInvalidBeacon {
		t.Fatalf("Decode with tampered auth = %v, want ErrInvalidBeacon", err)
	}
}

func TestDecodeRejectsUnknownNetworkID(t *testing.T) {
	var beaconKey [16]byte
	copy(beaconKey[:], []byte("beaconkey1234567"))

	raw, err := Build(Beacon{IVIndex: 1}, 0x1111111111111111, beaconKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = Decode(raw, []CandidateKey{{NetworkID: 0x2222222222222222, BeaconKey: beaconKey}})
	if err != ErrInvalidBeacon {
		t.Fatalf("Decode with unknown NetworkID = %v, want ErrInvalidBeacon", err)
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03}, nil)
	if err != ErrInvalidBeacon {
		t.Fatalf("Decode with short PDU = %v, want ErrInvalidBeacon", err)
	}
}
