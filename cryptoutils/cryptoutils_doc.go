// Package cryptoutils provides the cryptographic primitives around a wallet's
// signing key that do not involve any custody provider.
//
//   - SecretBuffer: scoped ownership of key material with unconditional
//     zeroing through Destroy
//   - Digest / DigestMatches: the integrity digest stored next to the shares,
//     compared in constant time
//   - GenerateSigningKey / PublicKey / Sign: ed25519 keys held as 32-byte seeds
//   - RotationMessage / VerifyRotation: the ownership transition message
//
// # Rotation Message Format
//
//	"update_owner" || new public key (32 bytes) || counter (uint64, big endian)
//
// The message is signed with the current owner's key; the ledger verifies it
// against the owner it has on record and the counter it expects.
//
// # Key Material Handling
//
// Secret keys are never returned as bare slices across package boundaries.
// Every function producing key material returns a *SecretBuffer and the
// receiver is expected to `defer buf.Destroy()` immediately.
package cryptoutils
