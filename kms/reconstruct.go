package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/metrics"
	"golang.org/x/sync/errgroup"
)

// Reconstructor rebuilds a wallet's secret key from its encrypted shares.
//
// It walks an ordered plan of provider subsets (see CandidatePlan). The
// shares of the first candidate are decrypted concurrently; the remaining
// shares are only decrypted when an earlier candidate could not be decrypted
// or failed the integrity check. A secret is returned only after its digest
// matched the record's integrity digest.
type Reconstructor struct {
	decrypter interfaces.ShareDecrypter
	plan      []Candidate
	log       *slog.Logger
}

// NewReconstructor creates a Reconstructor over the canonical provider order.
func NewReconstructor(decrypter interfaces.ShareDecrypter, log *slog.Logger) *Reconstructor {
	return NewReconstructorWithPlan(decrypter, CandidatePlan(interfaces.ProviderOrder, Threshold), log)
}

// NewReconstructorWithPlan creates a Reconstructor that tries the given candidates in order.
func NewReconstructorWithPlan(decrypter interfaces.ShareDecrypter, plan []Candidate, log *slog.Logger) *Reconstructor {
	if log == nil {
		log = slog.Default()
	}
	return &Reconstructor{
		decrypter: decrypter,
		plan:      plan,
		log:       log,
	}
}

// Reconstruct returns the verified secret key of record. The caller owns the
// returned buffer and must Destroy it. Every decrypted share and rejected
// candidate is zeroed before Reconstruct returns.
//
// When no candidate verifies, the error is a *interfaces.ReconstructionError
// wrapping ErrIntegrityMismatch if at least Threshold shares decrypted, or
// ErrInsufficientShares otherwise.
func (r *Reconstructor) Reconstruct(ctx context.Context, record *interfaces.SigningKeyRecord) (*cryptoutils.SecretBuffer, error) {
	start := time.Now()
	log := r.log.With(slog.String("wallet_id", record.WalletID), slog.String("record_id", record.ID))

	a := newAttempt(r.decrypter, record, log)
	defer a.destroy()

	for i, candidate := range r.plan {
		if i > 0 {
			metrics.ReconstructionFallbacks.Inc()
			log.Debug("Trying fallback share combination", slog.Any("providers", candidate))
		}

		a.decrypt(ctx, candidate)
		shares, ok := a.sharesFor(candidate)
		if !ok {
			continue
		}

		secret, err := Combine(shares...)
		if err != nil {
			log.Warn("Share combination failed", slog.Any("providers", candidate), "err", err)
			continue
		}

		if cryptoutils.DigestMatches(secret.Bytes(), record.Digest) {
			metrics.Reconstructions.WithLabelValues("success").Inc()
			log.Debug("Reconstructed secret key",
				slog.Any("providers", candidate),
				slog.Duration("duration", time.Since(start)))
			return secret, nil
		}

		secret.Destroy()
		log.Warn("Share combination failed integrity check", slog.Any("providers", candidate))
	}

	rerr := a.exhausted()
	metrics.Reconstructions.WithLabelValues(interfaces.ErrorClass(rerr)).Inc()
	log.Error("Reconstruction exhausted all share combinations",
		"err", rerr,
		slog.Duration("duration", time.Since(start)))
	return nil, rerr
}

// attempt tracks the decrypted shares and provider failures of one reconstruction.
type attempt struct {
	decrypter interfaces.ShareDecrypter
	record    *interfaces.SigningKeyRecord
	log       *slog.Logger

	mu       sync.Mutex
	shares   map[interfaces.ProviderID]*cryptoutils.SecretBuffer
	failures map[interfaces.ProviderID]error
}

func newAttempt(decrypter interfaces.ShareDecrypter, record *interfaces.SigningKeyRecord, log *slog.Logger) *attempt {
	return &attempt{
		decrypter: decrypter,
		record:    record,
		log:       log,
		shares:    make(map[interfaces.ProviderID]*cryptoutils.SecretBuffer),
		failures:  make(map[interfaces.ProviderID]error),
	}
}

// decrypt concurrently decrypts every share of candidate not attempted yet.
func (a *attempt) decrypt(ctx context.Context, candidate Candidate) {
	var g errgroup.Group
	for _, provider := range candidate {
		if a.attempted(provider) {
			continue
		}
		g.Go(func() error {
			a.decryptOne(ctx, provider)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *attempt) decryptOne(ctx context.Context, provider interfaces.ProviderID) {
	share, found := a.record.Share(provider)
	if !found {
		a.fail(provider, fmt.Errorf("%w: no share recorded", interfaces.ErrProviderUnavailable))
		return
	}

	plaintext, err := a.decrypter.Decrypt(ctx, share)
	if err != nil {
		a.fail(provider, err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.shares[provider] = cryptoutils.NewSecretBuffer(plaintext)
}

func (a *attempt) fail(provider interfaces.ProviderID, err error) {
	class := interfaces.ErrProviderUnavailable
	if errors.Is(err, interfaces.ErrDecryptionFailed) {
		class = interfaces.ErrDecryptionFailed
	}
	metrics.ProviderFailures.WithLabelValues(provider.String(), interfaces.ErrorClass(class)).Inc()
	a.log.Warn("Share decryption failed", slog.String("provider", provider.String()), "err", err)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[provider] = class
}

func (a *attempt) attempted(provider interfaces.ProviderID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.shares[provider]
	_, failed := a.failures[provider]
	return ok || failed
}

// sharesFor returns the decrypted shares of candidate if all of them are available.
func (a *attempt) sharesFor(candidate Candidate) ([]*cryptoutils.SecretBuffer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	shares := make([]*cryptoutils.SecretBuffer, 0, len(candidate))
	for _, provider := range candidate {
		share, ok := a.shares[provider]
		if !ok {
			return nil, false
		}
		shares = append(shares, share)
	}
	return shares, true
}

func (a *attempt) exhausted() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	failures := make(map[interfaces.ProviderID]error, len(a.failures))
	for provider, err := range a.failures {
		failures[provider] = err
	}

	cause := interfaces.ErrInsufficientShares
	if len(a.shares) >= Threshold {
		cause = interfaces.ErrIntegrityMismatch
	}
	return &interfaces.ReconstructionError{Err: cause, Failures: failures}
}

func (a *attempt) destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, share := range a.shares {
		share.Destroy()
	}
}
