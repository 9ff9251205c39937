package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NonceBytes is the length of the random challenge nonce.
const NonceBytes = 32

// NewNonce generates a fresh cryptographically random nonce (spec §4.4
// explicitly prefers this over the source's timestamp-derived nonce).
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("protocol: generate nonce: %w", err)
	}
	return nonce, nil
}

// ExpectedResponse computes hex(SHA-256(nonce || sharedSecret)), the
// digest a client must return to authenticate.
func ExpectedResponse(nonce []byte, sharedSecret string) string {
	h := sha256.Sum256(append(append([]byte{}, nonce...), []byte(sharedSecret)...))
	return hex.EncodeToString(h[:])
}

// CheckResponse reports whether hexDigest matches the expected response
// for nonce and sharedSecret, using a constant-time comparison.
func CheckResponse(nonce []byte, sharedSecret, hexDigest string) bool {
	want := ExpectedResponse(nonce, sharedSecret)
	if len(want) != len(hexDigest) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(hexDigest)) == 1
}
