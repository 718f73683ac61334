package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrMicMismatch is returned by CCMOpen when the supplied MIC does not
// match. Callers must treat this as an ordinary decode failure: log it at
// most at debug level, never info, since it is also the signal that drives
// replay-cache discards.
var ErrMicMismatch = errors.New("crypto: CCM MIC mismatch")

const ccmNonceSize = 13

// cipherBlock is the minimal subset of crypto/cipher.Block this package
// needs.
type cipherBlock interface {
	Encrypt(dst, src []byte)
}

// CCMSeal implements AES-CCM (NIST SP 800-38C) as used throughout the mesh
// profile: a 13-byte nonce, additional authenticated data, and a MIC whose
// length in bytes is fixed per call site (4 for access/network traffic, 8
// for provisioning data, up to 16 elsewhere). It returns ciphertext||MIC.
func CCMSeal(key, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	if len(nonce) != ccmNonceSize {
		return nil, errors.New("crypto: CCM nonce must be 13 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	mic, err := ccmMIC(block, nonce, plaintext, aad, micSize)
	if err != nil {
		return nil, err
	}

	ciphertext := ccmCryptPayload(block, nonce, plaintext)
	encMIC := ccmCryptMIC(block, nonce, mic)

	out := make([]byte, 0, len(ciphertext)+micSize)
	out = append(out, ciphertext...)
	out = append(out, encMIC...)
	return out, nil
}

// CCMOpen reverses CCMSeal, verifying the trailing micSize-byte MIC before
// returning the recovered plaintext. On MIC mismatch it returns
// ErrMicMismatch and no plaintext.
func CCMOpen(key, nonce, ciphertextAndMIC, aad []byte, micSize int) ([]byte, error) {
	if len(nonce) != ccmNonceSize {
		return nil, errors.New("crypto: CCM nonce must be 13 bytes")
	}
	if len(ciphertextAndMIC) < micSize {
		return nil, errors.New("crypto: CCM input shorter than MIC")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	ciphertext := ciphertextAndMIC[:len(ciphertextAndMIC)-micSize]
	encMIC := ciphertextAndMIC[len(ciphertextAndMIC)-micSize:]

	plaintext := ccmCryptPayload(block, nonce, ciphertext)
	gotMIC := ccmCryptMIC(block, nonce, encMIC) // CTR is its own inverse

	wantMIC, err := ccmMIC(block, nonce, plaintext, aad, micSize)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(gotMIC, wantMIC) != 1 {
		return nil, ErrMicMismatch
	}
	return plaintext, nil
}

// counterBlock formats counter block A_i (SP 800-38C section A.3): a single
// flags byte encoding L'=1 (our fixed 2-byte counter field), the 13-byte
// nonce, and a 2-byte big-endian counter value.
func counterBlock(nonce []byte, counter uint16) []byte {
	a := make([]byte, blockSize)
	a[0] = 0x01 // flags: L' = 1 (2-byte counter field)
	copy(a[1:1+ccmNonceSize], nonce)
	binary.BigEndian.PutUint16(a[1+ccmNonceSize:], counter)
	return a
}

// ccmCryptPayload applies the CTR keystream starting at counter value 1
// (S_1, S_2, ...); CTR is its own inverse so this both encrypts and
// decrypts.
func ccmCryptPayload(block cipherBlock, nonce, data []byte) []byte {
	out := make([]byte, len(data))
	keystream := make([]byte, blockSize)
	var counter uint16 = 1
	for off := 0; off < len(data); off += blockSize {
		block.Encrypt(keystream, counterBlock(nonce, counter))
		counter++
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		for i := off; i < end; i++ {
			out[i] = data[i] ^ keystream[i-off]
		}
	}
	return out
}

// ccmCryptMIC XORs the MIC against S_0 = E(Key, A_0), the counter-0 block
// reserved for the tag per SP 800-38C.
func ccmCryptMIC(block cipherBlock, nonce, mic []byte) []byte {
	keystream := make([]byte, blockSize)
	block.Encrypt(keystream, counterBlock(nonce, 0))
	out := make([]byte, len(mic))
	for i := range mic {
		out[i] = mic[i] ^ keystream[i]
	}
	return out
}

// ccmMIC computes the CBC-MAC over the CCM-formatted blocks: B_0 (flags,
// nonce, message length), the AAD length-prefixed block(s), and the
// zero-padded plaintext blocks. Returns the first micSize bytes.
func ccmMIC(block cipherBlock, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	b0 := make([]byte, blockSize)
	var flags byte
	if len(aad) > 0 {
		flags |= 0x40
	}
	// M' = (micSize-2)/2, L' = L-1 = 1 (2-byte length field, matching the
	// mesh profile's fixed 13-byte nonce / 2-byte length encoding).
	flags |= byte((micSize-2)/2) << 3
	flags |= 0x01 // L' = 1
	b0[0] = flags
	copy(b0[1:1+ccmNonceSize], nonce)
	binary.BigEndian.PutUint16(b0[1+ccmNonceSize:], uint16(len(plaintext)))

	mac := make([]byte, blockSize)
	block.Encrypt(mac, b0)

	if len(aad) > 0 {
		aadBlock := formatAAD(aad)
		for off := 0; off < len(aadBlock); off += blockSize {
			xorInto(mac, aadBlock[off:off+blockSize])
			next := make([]byte, blockSize)
			block.Encrypt(next, mac)
			mac = next
		}
	}

	for off := 0; off < len(plaintext); off += blockSize {
		end := off + blockSize
		chunk := make([]byte, blockSize)
		if end > len(plaintext) {
			end = len(plaintext)
		}
		copy(chunk, plaintext[off:end])
		xorInto(mac, chunk)
		next := make([]byte, blockSize)
		block.Encrypt(next, mac)
		mac = next
	}

	return mac[:micSize], nil
}

// formatAAD prepends the AAD length encoding (2-byte big-endian, since the
// mesh profile never exceeds 0xFEFF bytes of AAD) and pads to a block
// boundary, per SP 800-38C section A.2.1.
func formatAAD(aad []byte) []byte {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(aad)))
	combined := append(header, aad...)
	if pad := len(combined) % blockSize; pad != 0 {
		combined = append(combined, make([]byte, blockSize-pad)...)
	}
	return combined
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of their contents (but not of their length). Exported for callers outside
// this package that verify a MAC tag of their own, e.g. Secure Network
// Beacon authentication.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
