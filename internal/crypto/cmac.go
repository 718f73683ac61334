// Package crypto implements the AES-based primitives the Bluetooth Mesh
// profile builds on: AES-CMAC, AES-CCM, and the s1/k1/k2/k3/k4 key
// derivation functions. All functions are pure and stateless; callers may
// invoke them freely from any goroutine.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

// ErrInvalidKeyLength is returned when a key of the wrong size is supplied
// to a primitive that requires AES-128 keys. Callers should treat this as
// a programming error, not a recoverable condition.
var ErrInvalidKeyLength = errors.New("crypto: key must be 16 bytes")

const blockSize = 16

// cmacConstRb is the irreducible polynomial used for subkey generation with
// a 128-bit block cipher (NIST SP 800-38B, 0x87).
const cmacConstRb = 0x87

// CMAC computes AES-CMAC(key, message) and returns the full 16-byte tag.
// Truncate the result yourself where the profile calls for a shorter tag.
func CMAC(key, message []byte) ([]byte, error) {
	if len(key) != blockSize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := subkeys(block)

	n := (len(message) + blockSize - 1) / blockSize
	complete := n != 0 && len(message)%blockSize == 0
	if n == 0 {
		n = 1
	}

	last := make([]byte, blockSize)
	start := (n - 1) * blockSize
	if complete {
		copy(last, message[start:])
		xorInto(last, k1)
	} else {
		copy(last, message[start:])
		last[len(message)-start] = 0x80
		xorInto(last, k2)
	}

	x := make([]byte, blockSize)
	y := make([]byte, blockSize)
	for i := 0; i < n-1; i++ {
		copy(y, x)
		xorInto(y, message[i*blockSize:(i+1)*blockSize])
		block.Encrypt(x, y)
	}
	xorInto(x, last)

	tag := make([]byte, blockSize)
	block.Encrypt(tag, x)
	return tag, nil
}

// subkeys derives K1 and K2 from the cipher per NIST SP 800-38B section 6.1.
func subkeys(block cipher.Block) (k1, k2 []byte) {
	zero := make([]byte, blockSize)
	l := make([]byte, blockSize)
	block.Encrypt(l, zero)

	k1 = leftShiftOne(l)
	if l[0]&0x80 != 0 {
		k1[blockSize-1] ^= cmacConstRb
	}
	k2 = leftShiftOne(k1)
	if k1[0]&0x80 != 0 {
		k2[blockSize-1] ^= cmacConstRb
	}
	return k1, k2
}

func leftShiftOne(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	return out
}

func xorInto(dst, src []byte) {
	subtle.XORBytes(dst, dst, src)
}
