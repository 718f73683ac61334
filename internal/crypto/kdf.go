package crypto

import (
	"encoding/binary"
	"errors"
)

// ErrShortOutput is returned when a derivation's output buffer is smaller
// than the derived quantity requires.
var ErrShortOutput = errors.New("crypto: output buffer too small")

var zeroKey = make([]byte, blockSize)

// S1 is the salt generation function, S1(M) = AES-CMAC(0^128, M).
func S1(m []byte) ([]byte, error) {
	return CMAC(zeroKey, m)
}

// K1 derives K1(N, SALT, P) = AES-CMAC(AES-CMAC(SALT, N), P).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := CMAC(salt, n)
	if err != nil {
		return nil, err
	}
	return CMAC(t, p)
}

// K2Output bundles the three fields the mesh profile's k2 derivation
// produces: the 7-bit NID plus the two 128-bit network-layer session keys.
type K2Output struct {
	NID           byte
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
}

// K2 implements the mesh profile's network-key-material derivation
// (Mesh Profile section 3.8.2.6), a three-round chain keyed by a fixed
// "smk2" salt:
//
//	SALT = s1("smk2")
//	T    = AES-CMAC(SALT, N)
//	T1   = AES-CMAC(T, P || 0x01)
//	T2   = AES-CMAC(T, T1 || P || 0x02)
//	T3   = AES-CMAC(T, T2 || P || 0x03)
//	k2   = (T1 || T2 || T3) mod 2^263
//
// NID occupies the low 7 bits of the first byte of the concatenation;
// EncryptionKey and PrivacyKey are the following two 128-bit blocks.
func K2(n, p []byte) (K2Output, error) {
	var out K2Output
	salt, err := S1([]byte("smk2"))
	if err != nil {
		return out, err
	}
	t, err := CMAC(salt, n)
	if err != nil {
		return out, err
	}
	t1, err := CMAC(t, append(append([]byte{}, p...), 0x01))
	if err != nil {
		return out, err
	}
	t2, err := CMAC(t, concat(t1, p, []byte{0x02}))
	if err != nil {
		return out, err
	}
	t3, err := CMAC(t, concat(t2, p, []byte{0x03}))
	if err != nil {
		return out, err
	}
	out.NID = t1[0] & 0x7f
	copy(out.EncryptionKey[:], t2)
	copy(out.PrivacyKey[:], t3)
	return out, nil
}

// K3 implements k3(N) = AES-CMAC(s1("smk3"), N || 0x01) truncated to the
// low 64 bits, used to derive the Network ID.
func K3(n []byte) (uint64, error) {
	salt, err := S1([]byte("smk3"))
	if err != nil {
		return 0, err
	}
	full, err := CMAC(salt, append(append([]byte{}, n...), 0x01))
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(full[8:]), nil
}

// K4 implements k4(N) = AES-CMAC(s1("smk4"), N || 0x01) truncated to the
// low 6 bits, used to derive an AppKey's AID.
func K4(n []byte) (byte, error) {
	salt, err := S1([]byte("smk4"))
	if err != nil {
		return 0, err
	}
	full, err := CMAC(salt, append(append([]byte{}, n...), 0x01))
	if err != nil {
		return 0, err
	}
	return full[15] & 0x3f, nil
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
