package interfaces

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrProviderUnavailable is returned when a custody provider cannot be reached
	// or refuses to serve the request.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrDecryptionFailed is returned when a provider rejects a ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrIntegrityMismatch is returned when enough shares decrypted but no
	// combination matched the stored integrity digest.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrInsufficientShares is returned when fewer than two shares are usable.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrIdentityUnauthorized is returned when the caller may not act on the wallet.
	ErrIdentityUnauthorized = errors.New("identity unauthorized")

	// ErrExternalTransitionFailed is returned when the ledger ownership transition
	// failed, timed out or returned no response. The rotation has been rolled back.
	ErrExternalTransitionFailed = errors.New("external transition failed")

	// ErrRecordNotFound is returned when no matching signing key record exists.
	ErrRecordNotFound = errors.New("record not found")

	// ErrConcurrentRotationConflict is returned when a conditional record update
	// lost a race against another state-mutating operation.
	ErrConcurrentRotationConflict = errors.New("concurrent rotation conflict")

	// ErrWalletExists is returned when creating a wallet that already has an Active record.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrRotationUnsettled is returned when the ledger accepted the new key but
	// the local commit failed. The PendingRotation record is left for reconciliation.
	ErrRotationUnsettled = errors.New("rotation accepted externally but not committed")
)

// ReconstructionError reports an exhausted reconstruction attempt. Err is
// either ErrIntegrityMismatch or ErrInsufficientShares. Failures maps each
// provider that could not contribute a share to the class of its failure.
// It never carries key material or ciphertext.
type ReconstructionError struct {
	Err      error
	Failures map[ProviderID]error
}

func (e *ReconstructionError) Error() string {
	if len(e.Failures) == 0 {
		return e.Err.Error()
	}
	parts := make([]string, 0, len(e.Failures))
	for provider, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", provider, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%v (%s)", e.Err, strings.Join(parts, "; "))
}

func (e *ReconstructionError) Unwrap() error {
	return e.Err
}

// ErrorClass returns the taxonomy name of err, suitable for showing to callers.
// Anything outside the taxonomy is reported as "internal".
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIdentityUnauthorized):
		return "IdentityUnauthorized"
	case errors.Is(err, ErrRecordNotFound):
		return "RecordNotFound"
	case errors.Is(err, ErrConcurrentRotationConflict):
		return "ConcurrentRotationConflict"
	case errors.Is(err, ErrWalletExists):
		return "WalletExists"
	case errors.Is(err, ErrExternalTransitionFailed):
		return "ExternalTransitionFailed"
	case errors.Is(err, ErrRotationUnsettled):
		return "RotationUnsettled"
	case errors.Is(err, ErrIntegrityMismatch):
		return "IntegrityMismatch"
	case errors.Is(err, ErrInsufficientShares):
		return "InsufficientShares"
	case errors.Is(err, ErrDecryptionFailed):
		return "DecryptionFailed"
	case errors.Is(err, ErrProviderUnavailable):
		return "ProviderUnavailable"
	default:
		return "internal"
	}
}
