// Package kms splits wallet secret keys into encrypted shares and rebuilds
// them.
//
// A secret key is split with Shamir's Secret Sharing into three shares with a
// threshold of two, one share per custody provider:
//
//	share 0 -> remote-primary
//	share 1 -> local-symmetric
//	share 2 -> remote-secondary
//
// Before splitting, an integrity digest of the secret is computed. The digest
// is persisted next to the encrypted shares and is the only way to tell a
// correct reconstruction apart from a wrong one: combining mismatched or
// corrupted shares does not fail, it silently yields a different secret.
//
// # Reconstruction
//
// The Reconstructor walks the candidate plan
//
//	{primary, local} -> {primary, secondary} -> {local, secondary}
//
// decrypting shares concurrently and only as needed. A candidate is accepted
// once its combined secret matches the digest in constant time. When the
// plan is exhausted the result is ErrIntegrityMismatch if at least two shares
// decrypted, and ErrInsufficientShares otherwise.
//
// Every plaintext share and rejected candidate is zeroed before
// Reconstruct returns. The accepted secret is owned by the caller.
package kms
