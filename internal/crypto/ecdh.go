package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"io"
)

// ErrInvalidPublicKey is returned when a peer's public key cannot be
// parsed as a valid P-256 point.
var ErrInvalidPublicKey = errors.New("crypto: invalid P-256 public key")

// ECDHKeyPair is a P-256 key pair used for the provisioning handshake.
type ECDHKeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateECDHKeyPair creates a fresh P-256 key pair using crypto/rand.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	return GenerateECDHKeyPairFrom(rand.Reader)
}

// GenerateECDHKeyPairFrom generates a key pair from an arbitrary entropy
// source; tests use this to reproduce the profile's deterministic sample
// vectors.
func GenerateECDHKeyPairFrom(entropy io.Reader) (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(entropy)
	if err != nil {
		return nil, err
	}
	return &ECDHKeyPair{private: priv}, nil
}

// ECDHKeyPairFromScalar builds a key pair from a fixed 32-byte private
// scalar, used only to reproduce the profile's deterministic test vectors
// (e.g. provisioner private key = 0x0...01).
func ECDHKeyPairFromScalar(scalar []byte) (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, err
	}
	return &ECDHKeyPair{private: priv}, nil
}

// PublicKeyXY returns the 64-byte X||Y uncompressed public key the
// provisioning PDUs carry on the wire.
func (kp *ECDHKeyPair) PublicKeyXY() [64]byte {
	var out [64]byte
	raw := kp.private.PublicKey().Bytes() // 0x04 || X(32) || Y(32)
	copy(out[:], raw[1:])
	return out
}

// SharedSecretX performs ECDH with a peer's 64-byte X||Y public key and
// returns the 32-byte X coordinate of the resulting point, exactly as the
// mesh profile's provisioning handshake requires (§4.H step 4).
func (kp *ECDHKeyPair) SharedSecretX(peerXY [64]byte) ([32]byte, error) {
	var out [32]byte
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], peerXY[:])

	peerPub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return out, ErrInvalidPublicKey
	}
	secret, err := kp.private.ECDH(peerPub)
	if err != nil {
		return out, err
	}
	// crypto/ecdh's P-256 ECDH already returns only the X coordinate.
	copy(out[:], secret)
	return out, nil
}
