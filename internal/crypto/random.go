package crypto

import "crypto/rand"

// RandomBytes returns n cryptographically random bytes, used for
// provisioner/device random nonces and newly generated keys.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
