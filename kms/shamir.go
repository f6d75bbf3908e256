package kms

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
)

const (
	// TotalShares is the number of shares a secret key is split into, one per provider.
	TotalShares = 3
	// Threshold is the number of shares required to reconstruct a secret key.
	Threshold = 2
)

// SplitResult holds the shares of a split secret and its integrity digest.
// Shares are plaintext key material: release them with Destroy.
type SplitResult struct {
	Shares []*cryptoutils.SecretBuffer
	Digest []byte
}

// Destroy zeroes every share.
func (s *SplitResult) Destroy() {
	if s == nil {
		return
	}
	cryptoutils.DestroyAll(s.Shares...)
}

// Split computes the integrity digest of secret and then splits it into
// TotalShares shares with threshold Threshold using Shamir's Secret Sharing.
// Any Threshold shares reconstruct the secret; fewer reveal nothing about it.
// Shares are randomized: splitting the same secret twice yields different shares.
func Split(secret *cryptoutils.SecretBuffer) (*SplitResult, error) {
	raw := secret.Bytes()
	if len(raw) == 0 {
		return nil, errors.New("cannot split an empty secret")
	}

	digest := cryptoutils.Digest(raw)

	parts, err := shamir.Split(raw, TotalShares, Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	result := &SplitResult{
		Shares: make([]*cryptoutils.SecretBuffer, len(parts)),
		Digest: digest,
	}
	for i, part := range parts {
		result.Shares[i] = cryptoutils.NewSecretBuffer(part)
	}
	return result, nil
}

// Combine reconstructs a candidate secret from at least Threshold shares.
// Share order does not matter. Combining mismatched or corrupted shares does
// not fail: it yields a wrong candidate, so callers must check the result
// against the integrity digest.
func Combine(shares ...*cryptoutils.SecretBuffer) (*cryptoutils.SecretBuffer, error) {
	if len(shares) < Threshold {
		return nil, fmt.Errorf("%w: need %d shares, got %d", interfaces.ErrInsufficientShares, Threshold, len(shares))
	}

	parts := make([][]byte, len(shares))
	for i, share := range shares {
		parts[i] = share.Bytes()
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return cryptoutils.NewSecretBuffer(secret), nil
}
