package providers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// LocalKeySize is the size of the local symmetric key.
	LocalKeySize = chacha20poly1305.KeySize

	fingerprintSize = 8

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// LocalConfig configures a LocalAEADProvider. Exactly one of Key or
// Passphrase must be set. A passphrase is stretched with argon2id and Salt.
type LocalConfig struct {
	ID         interfaces.ProviderID
	Key        []byte
	Passphrase []byte
	Salt       []byte
}

// LocalAEADProvider encrypts shares with XChaCha20-Poly1305 under a key held
// by this process. The ciphertext is nonce || sealed payload || tag and the
// provider id is bound as additional data. Aux holds a key fingerprint so a
// share sealed under a different key is rejected before opening.
type LocalAEADProvider struct {
	id          interfaces.ProviderID
	key         *cryptoutils.SecretBuffer
	fingerprint []byte
	log         *slog.Logger
}

// NewLocalAEADProvider creates the local provider from cfg.
func NewLocalAEADProvider(cfg LocalConfig, log *slog.Logger) (*LocalAEADProvider, error) {
	if cfg.ID == "" {
		cfg.ID = interfaces.LocalSymmetric
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0 && len(cfg.Passphrase) > 0:
		return nil, errors.New("local provider: key and passphrase are mutually exclusive")
	case len(cfg.Key) > 0:
		if len(cfg.Key) != LocalKeySize {
			return nil, fmt.Errorf("local provider: key must be %d bytes, got %d", LocalKeySize, len(cfg.Key))
		}
		key = append([]byte(nil), cfg.Key...)
	case len(cfg.Passphrase) > 0:
		if len(cfg.Salt) < 16 {
			return nil, errors.New("local provider: salt must be at least 16 bytes")
		}
		key = argon2.IDKey(cfg.Passphrase, cfg.Salt, argonTime, argonMemory, argonThreads, LocalKeySize)
	default:
		return nil, errors.New("local provider: no key material configured")
	}

	sum := sha256.Sum256(key)
	return &LocalAEADProvider{
		id:          cfg.ID,
		key:         cryptoutils.NewSecretBuffer(key),
		fingerprint: sum[:fingerprintSize],
		log:         log,
	}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (p *LocalAEADProvider) Encrypt(ctx context.Context, plaintext []byte) (interfaces.EncryptedShare, error) {
	aead, err := chacha20poly1305.NewX(p.key.Bytes())
	if err != nil {
		return interfaces.EncryptedShare{}, fmt.Errorf("%w: %v", interfaces.ErrProviderUnavailable, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return interfaces.EncryptedShare{}, fmt.Errorf("%w: failed to generate nonce: %v", interfaces.ErrProviderUnavailable, err)
	}

	return interfaces.EncryptedShare{
		Provider:   p.id,
		Ciphertext: aead.Seal(nonce, nonce, plaintext, []byte(p.id)),
		Aux:        append([]byte(nil), p.fingerprint...),
	}, nil
}

// Decrypt opens a share sealed by Encrypt. Any tampering with the nonce,
// payload or tag fails with ErrDecryptionFailed.
func (p *LocalAEADProvider) Decrypt(ctx context.Context, share interfaces.EncryptedShare) ([]byte, error) {
	if share.Provider != p.id {
		return nil, fmt.Errorf("%w: share belongs to %s", interfaces.ErrDecryptionFailed, share.Provider)
	}
	if len(share.Aux) > 0 && subtle.ConstantTimeCompare(share.Aux, p.fingerprint) != 1 {
		return nil, fmt.Errorf("%w: share sealed under a different local key", interfaces.ErrDecryptionFailed)
	}

	aead, err := chacha20poly1305.NewX(p.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrProviderUnavailable, err)
	}
	if len(share.Ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", interfaces.ErrDecryptionFailed)
	}

	nonce, sealed := share.Ciphertext[:aead.NonceSize()], share.Ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(p.id))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", interfaces.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// ID returns the provider slot.
func (p *LocalAEADProvider) ID() interfaces.ProviderID {
	return p.id
}

// Name returns identifier for logging.
func (p *LocalAEADProvider) Name() string {
	return fmt.Sprintf("local-%x", p.fingerprint)
}

// Close zeroes the local key.
func (p *LocalAEADProvider) Close() {
	p.key.Destroy()
}
