package cryptoutils

import (
	"crypto/sha256"
	"crypto/subtle"
)

// digestDomain separates integrity digests from any other SHA-256 use of the key.
var digestDomain = []byte("key-custody/integrity-digest/v1")

// DigestSize is the length of an integrity digest.
const DigestSize = sha256.Size

// Digest computes the integrity digest of a secret key. It is stored next to
// the encrypted shares and only lets reconstruction detect a wrong result.
func Digest(secret []byte) []byte {
	h := sha256.New()
	h.Write(digestDomain)
	h.Write(secret)
	return h.Sum(nil)
}

// DigestMatches compares the digest of candidate with expected in constant time.
func DigestMatches(candidate, expected []byte) bool {
	if len(expected) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare(Digest(candidate), expected) == 1
}
