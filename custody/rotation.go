package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/kms"
	"github.com/ruteri/key-custody-backend/metrics"
)

// DefaultTransitionTimeout bounds the ledger calls of one rotation.
const DefaultTransitionTimeout = 60 * time.Second

// settleTimeout bounds the store write that commits or rolls back a rotation.
const settleTimeout = 10 * time.Second

// RotationResult describes a committed rotation.
type RotationResult struct {
	WalletID     string
	RecordID     string
	PreviousID   string
	NewPublicKey []byte
	Counter      uint64
}

// RotationCoordinator replaces a wallet's signing key and moves ledger
// ownership to the new key. The wallet always has exactly one Active record:
// the new key is stored as PendingRotation before the ledger is asked to
// switch owners, promoted if the ledger confirms, and deleted otherwise.
type RotationCoordinator struct {
	store             interfaces.RecordStore
	codec             ShareCodec
	reconstructor     *kms.Reconstructor
	authorizer        interfaces.IdentityAuthorizer
	ledger            interfaces.Ledger
	transitionTimeout time.Duration
	log               *slog.Logger
}

// NewRotationCoordinator creates a coordinator. transitionTimeout bounds the
// ledger calls; zero selects DefaultTransitionTimeout.
func NewRotationCoordinator(
	store interfaces.RecordStore,
	codec ShareCodec,
	reconstructor *kms.Reconstructor,
	authorizer interfaces.IdentityAuthorizer,
	ledger interfaces.Ledger,
	transitionTimeout time.Duration,
	log *slog.Logger,
) *RotationCoordinator {
	if transitionTimeout <= 0 {
		transitionTimeout = DefaultTransitionTimeout
	}
	return &RotationCoordinator{
		store:             store,
		codec:             codec,
		reconstructor:     reconstructor,
		authorizer:        authorizer,
		ledger:            ledger,
		transitionTimeout: transitionTimeout,
		log:               log,
	}
}

// Rotate replaces the signing key of walletID on behalf of caller.
//
// Errors:
//   - ErrIdentityUnauthorized: caller may not act on the wallet
//   - ErrConcurrentRotationConflict: another rotation owns the wallet; nothing was written
//   - ErrExternalTransitionFailed: the ledger refused or did not answer; the
//     rotation was rolled back, or left pending for the reconciler when the
//     ledger may have switched owners anyway
//   - ErrRotationUnsettled: the ledger switched owners but the promotion could not be stored
//   - reconstruction and provider errors: nothing was written
func (c *RotationCoordinator) Rotate(ctx context.Context, walletID string, caller interfaces.Identity) (result *RotationResult, err error) {
	start := time.Now()
	log := c.log.With(slog.String("wallet_id", walletID), slog.String("rotation_id", uuid.NewString()))
	defer func() {
		metrics.ObserveOperation("rotate", outcome(err), start)
		if err != nil {
			log.Warn("Rotation failed",
				slog.String("class", interfaces.ErrorClass(err)),
				slog.Duration("duration", time.Since(start)))
		}
	}()

	if err := authorize(ctx, c.authorizer, walletID, caller, log); err != nil {
		return nil, err
	}

	active, err := c.store.Active(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Pending(ctx, walletID); err == nil {
		return nil, fmt.Errorf("%w: a rotation is already pending", interfaces.ErrConcurrentRotationConflict)
	} else if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, err
	}

	oldSecret, err := reconstructVerified(ctx, c.reconstructor, active)
	if err != nil {
		return nil, err
	}
	defer oldSecret.Destroy()

	newPub, newSecret, err := cryptoutils.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	defer newSecret.Destroy()

	pending, err := sealNewKey(ctx, c.codec, newSecret)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	pending.ID = uuid.NewString()
	pending.WalletID = walletID
	pending.PublicKey = newPub
	pending.Status = interfaces.StatusPendingRotation
	pending.PreviousID = active.ID
	pending.CreatedAt = now
	pending.UpdatedAt = now

	// The conditional create is the rotation lock: it only succeeds while
	// active is still Active and no other rotation is pending.
	if err := c.store.Create(ctx, pending); err != nil {
		return nil, err
	}
	log = log.With(slog.String("pending_id", pending.ID), slog.String("active_id", active.ID))
	log.Info("Rotation pending", slog.String("new_public_key", pending.PublicKeyHex()))

	// From here on the caller can no longer abandon the rotation: cancelling
	// ctx must not skip the commit or rollback.
	settleCtx := context.WithoutCancel(ctx)

	counter, submitted, err := c.submitTransition(settleCtx, walletID, oldSecret, newPub)
	if err != nil {
		c.rollback(settleCtx, pending, submitted, log)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrExternalTransitionFailed, err)
	}

	promoteCtx, cancel := context.WithTimeout(settleCtx, settleTimeout)
	defer cancel()
	if err := c.store.Promote(promoteCtx, pending.ID, active.ID); err != nil {
		log.Error("Ledger accepted the new owner but promotion failed, leaving pending record for reconciliation", "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrRotationUnsettled, err)
	}

	log.Info("Rotation committed", slog.Duration("duration", time.Since(start)))
	return &RotationResult{
		WalletID:     walletID,
		RecordID:     pending.ID,
		PreviousID:   active.ID,
		NewPublicKey: newPub,
		Counter:      counter,
	}, nil
}

// submitTransition fetches the anti-replay counter, signs the rotation
// message with the old key and submits it to the ledger. submitted reports
// whether the transition reached SubmitOwnershipTransition at all.
func (c *RotationCoordinator) submitTransition(ctx context.Context, walletID string, oldSecret *cryptoutils.SecretBuffer, newPub []byte) (counter uint64, submitted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.transitionTimeout)
	defer cancel()

	counter, err = c.ledger.AntiReplayCounter(ctx, walletID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch anti-replay counter: %w", err)
	}

	sig, err := cryptoutils.Sign(oldSecret, cryptoutils.RotationMessage(newPub, counter))
	if err != nil {
		return 0, false, err
	}

	if err := c.ledger.SubmitOwnershipTransition(ctx, walletID, newPub, sig); err != nil {
		return 0, true, fmt.Errorf("ownership transition failed: %w", err)
	}
	return counter, true, nil
}

// rollback deletes the pending record. A transition that was never submitted
// cannot have landed, so its record goes at once. Otherwise a failure response
// does not prove the transition did not land: the record is deleted only once
// the ledger confirms it still does not name the new key as owner. When the
// ledger shows the new owner, or cannot be asked, the pending record holds the
// only copy of the owning key and is left for the reconciler.
func (c *RotationCoordinator) rollback(ctx context.Context, pending *interfaces.SigningKeyRecord, submitted bool, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	if submitted {
		owner, err := c.ledger.Owner(ctx, pending.WalletID)
		switch {
		case err != nil:
			log.Error("Cannot confirm ledger owner, leaving pending record for reconciliation", "err", err)
			return
		case bytes.Equal(owner, pending.PublicKey):
			log.Warn("Ownership transition landed despite the failure, leaving pending record for reconciliation")
			return
		}
	}

	if err := c.store.Delete(ctx, pending.ID); err != nil {
		log.Error("Failed to delete pending record after failed transition", "err", err)
		return
	}
	log.Info("Rotation rolled back")
}
