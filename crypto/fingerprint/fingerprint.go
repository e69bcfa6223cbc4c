// Package fingerprint computes the SHA-256 fingerprint used to identify
// public keys throughout the keysync and message-envelope protocols.
package fingerprint

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/rotisserie/eris"
)

// Size is the length in bytes of a fingerprint.
const Size = sha256.Size

// Of returns the fingerprint of a DER-encoded public key, the
// SHA-256 hash of its PKIX encoding.
func Of(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", eris.Wrap(err, "fingerprint: marshal public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// OfDER returns the fingerprint of an already-DER-encoded public key.
func OfDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a well-formed fingerprint: lowercase
// hex, Size*2 characters.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
