// Package interfaces defines core interfaces and types for the key custody
// backend, separating interface definitions from implementations.
//
// The package provides interfaces for the key components of the system:
//
// # Custody Provider Interfaces
//
// ShareProvider: Encrypts and decrypts a single key share with one
// independent custody backend (remote KMS or local AEAD cipher).
//
// ShareDecrypter: The decrypt-only view used by reconstruction.
//
// # Storage Interfaces
//
// RecordStore: Persists SigningKeyRecords and exposes the conditional
// (compare-and-swap) transitions that keep exactly one Active record per wallet.
//
// # Collaborator Interfaces
//
// IdentityAuthorizer: Decides whether a caller identity may act on a wallet.
//
// Ledger: The external ownership contract holding the wallet's public key and
// anti-replay counter.
//
// # Types
//
//   - ProviderID: identifies one of the three custody providers
//   - EncryptedShare: a persisted, provider-encrypted key share
//   - SigningKeyRecord: the unit of custody for one wallet identity
//   - RecordStatus: Active, PendingRotation or Rotated
//
// # Errors
//
// The error taxonomy (ErrProviderUnavailable, ErrIntegrityMismatch, ...) is
// shared by all packages and tested with errors.Is.
package interfaces
