package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// SecretKeySize is the length of a wallet secret key (an ed25519 seed).
const SecretKeySize = ed25519.SeedSize

// RotationPrefix is the domain prefix of an ownership transition message.
const RotationPrefix = "update_owner"

var ErrInvalidSecretKey = errors.New("invalid secret key length")

// GenerateSigningKey creates a new ed25519 keypair. The secret is returned as
// the 32-byte seed wrapped in a SecretBuffer owned by the caller.
func GenerateSigningKey() (ed25519.PublicKey, *SecretBuffer, error) {
	seed := make([]byte, SecretKeySize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	secret := NewSecretBuffer(seed)

	pub, err := PublicKey(secret)
	if err != nil {
		secret.Destroy()
		return nil, nil, err
	}
	return pub, secret, nil
}

// PublicKey derives the public key for a secret key.
func PublicKey(secret *SecretBuffer) (ed25519.PublicKey, error) {
	seed := secret.Bytes()
	if len(seed) != SecretKeySize {
		return nil, ErrInvalidSecretKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer ZeroBytes(priv)

	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, priv[32:])
	return pub, nil
}

// Sign signs payload with the secret key. The expanded private key only
// lives for the duration of the call.
func Sign(secret *SecretBuffer, payload []byte) ([]byte, error) {
	seed := secret.Bytes()
	if len(seed) != SecretKeySize {
		return nil, ErrInvalidSecretKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer ZeroBytes(priv)

	return ed25519.Sign(priv, payload), nil
}

// RotationMessage builds the message the current owner signs to hand the
// wallet over to newPublicKey: prefix || newPublicKey || counter (u64, big endian).
func RotationMessage(newPublicKey []byte, counter uint64) []byte {
	msg := make([]byte, 0, len(RotationPrefix)+len(newPublicKey)+8)
	msg = append(msg, RotationPrefix...)
	msg = append(msg, newPublicKey...)
	msg = binary.BigEndian.AppendUint64(msg, counter)
	return msg
}

// VerifyRotation checks a rotation signature made by currentOwner.
func VerifyRotation(currentOwner, newPublicKey []byte, counter uint64, signature []byte) bool {
	if len(currentOwner) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(currentOwner, RotationMessage(newPublicKey, counter), signature)
}
