package interfaces

import (
	"context"
)

// ShareDecrypter decrypts persisted shares.
type ShareDecrypter interface {
	// Decrypt returns the plaintext share. Failures wrap ErrProviderUnavailable
	// or ErrDecryptionFailed. The caller owns and must zero the result.
	Decrypt(ctx context.Context, share EncryptedShare) ([]byte, error)
}

// ShareProvider is one independent custody backend.
type ShareProvider interface {
	ShareDecrypter

	// Encrypt encrypts a plaintext share into a persistable EncryptedShare.
	Encrypt(ctx context.Context, plaintext []byte) (EncryptedShare, error)

	// ID returns the provider slot this backend serves.
	ID() ProviderID

	// Name returns identifier for logging.
	Name() string
}

// IdentityAuthorizer decides whether a caller may act on a wallet's custody record.
type IdentityAuthorizer interface {
	// Authorize reports whether caller is authorized for walletID. An error
	// means the decision could not be made and is treated as a refusal.
	Authorize(ctx context.Context, walletID string, caller Identity) (bool, error)
}

// Ledger is the external contract recording the wallet's owner public key.
type Ledger interface {
	// AntiReplayCounter returns the current rotation counter of the wallet.
	AntiReplayCounter(ctx context.Context, walletID string) (uint64, error)

	// SubmitOwnershipTransition asks the ledger to replace the wallet's owner
	// with newPublicKey. signature is made by the current owner over
	// cryptoutils.RotationMessage(newPublicKey, counter).
	SubmitOwnershipTransition(ctx context.Context, walletID string, newPublicKey, signature []byte) error

	// Owner returns the owner public key currently recorded by the ledger.
	Owner(ctx context.Context, walletID string) ([]byte, error)
}
