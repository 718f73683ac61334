package upper

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTripApp(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))

	plaintext := []byte("turn the light on")
	sealed, szmic, err := Seal(SealParams{
		Key: key, Kind: KeyKindApp, Seq: 7, Src: 0x0001, Dst: 0x0002,
		IVIndex: 99, LongMIC: false, Plaintext: plaintext,
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if szmic {
		t.Fatalf("szmic = true, want false")
	}

	opened, err := Open(OpenParams{
		Key: key, Kind: KeyKindApp, Seq: 7, Src: 0x0001, Dst: 0x0002,
		IVIndex: 99, SZMIC: false, Sealed: sealed,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open = %q, want %q", opened, plaintext)
	}
}

func TestSealOpenVirtualAddressAAD(t *testing.T) {
	var key [16]byte
	var label [16]byte
	copy(label[:], []byte("0123456789abcdef"))

	plaintext := []byte("group message")
	sealed, _, err := Seal(SealParams{
		Key: key, Kind: KeyKindApp, Seq: 1, Src: 0x0001, Dst: 0x8123,
		IVIndex: 1, Plaintext: plaintext, VirtualLabel: &label,
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(OpenParams{
		Key: key, Kind: KeyKindApp, Seq: 1, Src: 0x0001, Dst: 0x8123,
		IVIndex: 1, Sealed: sealed,
	}); err == nil {
		t.Fatalf("Open without the virtual label AAD should fail")
	}

	opened, err := Open(OpenParams{
		Key: key, Kind: KeyKindApp, Seq: 1, Src: 0x0001, Dst: 0x8123,
		IVIndex: 1, Sealed: sealed, VirtualLabel: &label,
	})
	if err != nil {
		t.Fatalf("Open with matching label: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open = %q, want %q", opened, plaintext)
	}
}

func TestLongMICRoundTrip(t *testing.T) {
	var key [16]byte
	plaintext := make([]byte, 200)
	sealed, szmic, err := Seal(SealParams{
		Key: key, Kind: KeyKindDevice, Seq: 2, Src: 1, Dst: 2,
		IVIndex: 1, LongMIC: true, Plaintext: plaintext,
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !szmic {
		t.Fatalf("szmic = false, want true")
	}
	opened, err := Open(OpenParams{
		Key: key, Kind: KeyKindDevice, Seq: 2, Src: 1, Dst: 2,
		IVIndex: 1, SZMIC: true, Sealed: sealed,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestMatchingAppKeys(t *testing.T) {
	candidates := []AppKeyCandidate{
		{Index: 0, AID: 0x01, Key: [16]byte{1}},
		{Index: 1, AID: 0x02, Key: [16]byte{2}, HasOld: true, OldAID: 0x05, OldKey: [16]byte{9}},
	}
	matches := MatchingAppKeys(candidates, 0x05)
	if len(matches) != 1 || matches[0] != ([16]byte{9}) {
		t.Fatalf("MatchingAppKeys(0x05) = %v, want old key of candidate 1", matches)
	}
}
