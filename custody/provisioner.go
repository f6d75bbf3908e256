package custody

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/identity"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/metrics"
)

// IdentityBinder records which identity may act on a wallet.
type IdentityBinder interface {
	Bind(ctx context.Context, walletID string, identityHash []byte) error
	Unbind(ctx context.Context, walletID string) error
	Matches(walletID string, identityHash []byte) bool
}

// WalletRegistrar announces a new wallet's initial owner to the ledger and
// reports the owner the ledger records.
type WalletRegistrar interface {
	RegisterWallet(ctx context.Context, walletID string, owner, emailHash []byte) error
	Owner(ctx context.Context, walletID string) ([]byte, error)
}

// Provisioner creates wallets: it generates the signing key, stores it as
// encrypted shares in a new Active record, binds the owner identity and
// registers the wallet on the ledger.
type Provisioner struct {
	store     interfaces.RecordStore
	codec     ShareCodec
	binder    IdentityBinder
	registrar WalletRegistrar
	log       *slog.Logger
}

// NewProvisioner creates a provisioner. registrar may be nil when wallets are
// registered on the ledger by another party.
func NewProvisioner(store interfaces.RecordStore, codec ShareCodec, binder IdentityBinder, registrar WalletRegistrar, log *slog.Logger) *Provisioner {
	return &Provisioner{
		store:     store,
		codec:     codec,
		binder:    binder,
		registrar: registrar,
		log:       log,
	}
}

// CreateWallet provisions walletID for the identity with identityHash and
// returns the wallet's public key.
//
// A wallet whose record was stored but whose ledger registration failed is
// completed by calling CreateWallet again with the same identity. Fails with
// ErrWalletExists if the wallet is already provisioned, is bound to another
// identity, or the ledger already names another owner for it.
func (p *Provisioner) CreateWallet(ctx context.Context, walletID string, identityHash []byte) (pub ed25519.PublicKey, err error) {
	start := time.Now()
	log := p.log.With(slog.String("wallet_id", walletID))
	defer func() {
		metrics.ObserveOperation("create", outcome(err), start)
	}()

	if err := interfaces.ValidateWalletID(walletID); err != nil {
		return nil, err
	}
	if active, err := p.store.Active(ctx, walletID); err == nil {
		return p.resumeRegistration(ctx, active, identityHash, log)
	} else if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, err
	}

	if err := p.binder.Bind(ctx, walletID, identityHash); err != nil {
		log.Warn("Failed to bind identity", "err", err)
		if errors.Is(err, identity.ErrAlreadyBound) {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrWalletExists, err)
		}
		return nil, fmt.Errorf("failed to bind identity: %w", err)
	}

	pub, secret, err := cryptoutils.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	record, err := sealNewKey(ctx, p.codec, secret)
	if err != nil {
		log.Error("Failed to seal wallet key", "err", err)
		return nil, err
	}

	now := time.Now().UTC()
	record.ID = uuid.NewString()
	record.WalletID = walletID
	record.PublicKey = pub
	record.Status = interfaces.StatusActive
	record.CreatedAt = now
	record.UpdatedAt = now

	if err := p.store.Create(ctx, record); err != nil {
		log.Warn("Failed to persist wallet record", "err", err)
		return nil, err
	}
	log = log.With(slog.String("record_id", record.ID))

	if err := p.register(ctx, record, identityHash, true, log); err != nil {
		return nil, err
	}

	log.Info("Created wallet",
		slog.String("public_key", record.PublicKeyHex()),
		slog.Duration("duration", time.Since(start)))
	return pub, nil
}

// resumeRegistration finishes provisioning a stored wallet the ledger does
// not know yet. Any other stored wallet already exists.
func (p *Provisioner) resumeRegistration(ctx context.Context, active *interfaces.SigningKeyRecord, identityHash []byte, log *slog.Logger) (ed25519.PublicKey, error) {
	if p.registrar == nil || active.PreviousID != "" || !p.binder.Matches(active.WalletID, identityHash) {
		return nil, interfaces.ErrWalletExists
	}
	if _, err := p.registrar.Owner(ctx, active.WalletID); err == nil {
		return nil, interfaces.ErrWalletExists
	}

	log = log.With(slog.String("record_id", active.ID))
	log.Info("Resuming ledger registration of stored wallet")
	if err := p.register(ctx, active, identityHash, false, log); err != nil {
		return nil, err
	}
	return active.PublicKey, nil
}

// register announces record on the ledger. A failed call is checked against
// the owner the ledger reports: the registration may have landed anyway, or
// the wallet id may belong to another owner. In the latter case, when discard
// is set, the never-registered record and its identity binding are removed.
// When the ledger cannot be asked the record stays for a retry.
func (p *Provisioner) register(ctx context.Context, record *interfaces.SigningKeyRecord, identityHash []byte, discard bool, log *slog.Logger) error {
	if p.registrar == nil {
		return nil
	}
	regErr := p.registrar.RegisterWallet(ctx, record.WalletID, record.PublicKey, identityHash)
	if regErr == nil {
		return nil
	}

	owner, err := p.registrar.Owner(ctx, record.WalletID)
	switch {
	case err != nil:
		log.Error("Wallet stored but ledger registration failed, retry to complete it", "err", regErr)
		return fmt.Errorf("failed to register wallet on ledger: %w", regErr)
	case bytes.Equal(owner, record.PublicKey):
		log.Warn("Ledger registration landed despite the failure", "err", regErr)
		return nil
	}

	log.Warn("Ledger names another owner for the wallet", "err", regErr)
	if discard {
		p.discard(ctx, record, log)
	}
	return fmt.Errorf("%w: ledger names another owner", interfaces.ErrWalletExists)
}

// discard removes a record that never owned anything on the ledger, and the
// identity binding made for it.
func (p *Provisioner) discard(ctx context.Context, record *interfaces.SigningKeyRecord, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := p.store.Transition(ctx, record.ID, interfaces.StatusActive, interfaces.StatusRotated); err != nil {
		log.Error("Failed to retire unregistered wallet record", "err", err)
		return
	}
	if err := p.store.Delete(ctx, record.ID); err != nil {
		log.Error("Failed to delete unregistered wallet record", "err", err)
	}
	if err := p.binder.Unbind(ctx, record.WalletID); err != nil {
		log.Error("Failed to remove identity binding", "err", err)
	}
}
