package custody

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/kms"
	"github.com/ruteri/key-custody-backend/metrics"
)

// SigningService signs payloads with a wallet's key. The key is rebuilt for
// every signature and zeroed before Sign returns; callers never see it.
type SigningService struct {
	store         interfaces.RecordStore
	reconstructor *kms.Reconstructor
	authorizer    interfaces.IdentityAuthorizer
	log           *slog.Logger
}

// NewSigningService creates a signing service.
func NewSigningService(store interfaces.RecordStore, reconstructor *kms.Reconstructor, authorizer interfaces.IdentityAuthorizer, log *slog.Logger) *SigningService {
	return &SigningService{
		store:         store,
		reconstructor: reconstructor,
		authorizer:    authorizer,
		log:           log,
	}
}

// Sign returns the signature of payload under the wallet's Active key.
// A rotation in flight does not block signing: the Active record stays
// usable until the rotation is promoted.
func (s *SigningService) Sign(ctx context.Context, walletID string, caller interfaces.Identity, payload []byte) (sig []byte, err error) {
	start := time.Now()
	log := s.log.With(slog.String("wallet_id", walletID))
	defer func() {
		metrics.ObserveOperation("sign", outcome(err), start)
		if err != nil {
			log.Warn("Signing failed", slog.String("class", interfaces.ErrorClass(err)))
		}
	}()

	if err := authorize(ctx, s.authorizer, walletID, caller, log); err != nil {
		return nil, err
	}

	record, err := s.store.Active(ctx, walletID)
	if err != nil {
		return nil, err
	}

	secret, err := reconstructVerified(ctx, s.reconstructor, record)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	sig, err = cryptoutils.Sign(secret, payload)
	if err != nil {
		return nil, err
	}

	log.Debug("Signed payload",
		slog.String("record_id", record.ID),
		slog.Int("payload_size", len(payload)),
		slog.Duration("duration", time.Since(start)))
	return sig, nil
}

// PublicKey returns the wallet's Active public key. It needs no
// authorization and never touches the shares.
func (s *SigningService) PublicKey(ctx context.Context, walletID string) ([]byte, error) {
	record, err := s.store.Active(ctx, walletID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrRecordNotFound) {
			s.log.Error("Failed to load wallet record", slog.String("wallet_id", walletID), "err", err)
		}
		return nil, err
	}
	return record.PublicKey, nil
}
