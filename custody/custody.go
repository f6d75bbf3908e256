package custody

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/kms"
)

// ShareCodec encrypts freshly split shares across all providers and decrypts
// persisted ones. providers.Codec implements it.
type ShareCodec interface {
	interfaces.ShareDecrypter
	EncryptShares(ctx context.Context, shares []*cryptoutils.SecretBuffer) ([]interfaces.EncryptedShare, error)
}

// authorize fails closed: an authorizer error is a refusal.
func authorize(ctx context.Context, authorizer interfaces.IdentityAuthorizer, walletID string, caller interfaces.Identity, log *slog.Logger) error {
	ok, err := authorizer.Authorize(ctx, walletID, caller)
	if err != nil {
		log.Warn("Identity verification failed", slog.String("wallet_id", walletID), "err", err)
		return interfaces.ErrIdentityUnauthorized
	}
	if !ok {
		return interfaces.ErrIdentityUnauthorized
	}
	return nil
}

// reconstructVerified reconstructs the secret of record and checks that it
// derives the record's public key.
func reconstructVerified(ctx context.Context, reconstructor *kms.Reconstructor, record *interfaces.SigningKeyRecord) (*cryptoutils.SecretBuffer, error) {
	secret, err := reconstructor.Reconstruct(ctx, record)
	if err != nil {
		return nil, err
	}

	pub, err := cryptoutils.PublicKey(secret)
	if err != nil || !pub.Equal(ed25519.PublicKey(record.PublicKey)) {
		secret.Destroy()
		return nil, &interfaces.ReconstructionError{Err: interfaces.ErrIntegrityMismatch}
	}
	return secret, nil
}

// sealNewKey splits secret and encrypts its shares, returning a record
// skeleton holding the encrypted shares and the integrity digest.
func sealNewKey(ctx context.Context, codec ShareCodec, secret *cryptoutils.SecretBuffer) (*interfaces.SigningKeyRecord, error) {
	split, err := kms.Split(secret)
	if err != nil {
		return nil, err
	}
	defer split.Destroy()

	shares, err := codec.EncryptShares(ctx, split.Shares)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt shares: %w", err)
	}

	return &interfaces.SigningKeyRecord{
		Shares: shares,
		Digest: split.Digest,
	}, nil
}

// outcome returns the metrics label of an operation result.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return interfaces.ErrorClass(err)
}
