package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// RecordStore persists SigningKeyRecords. Every mutating method is a single
// durable, conditional update: it either applies completely or not at all.
//
// Implementations guarantee that a wallet has at most one Active and at most
// one PendingRotation record at any observable instant.
type RecordStore interface {
	// Active returns the wallet's Active record or ErrRecordNotFound.
	Active(ctx context.Context, walletID string) (*SigningKeyRecord, error)

	// Pending returns the wallet's PendingRotation record or ErrRecordNotFound.
	Pending(ctx context.Context, walletID string) (*SigningKeyRecord, error)

	// Records returns every record of the wallet, oldest first.
	Records(ctx context.Context, walletID string) ([]*SigningKeyRecord, error)

	// ListByStatus returns every record with the given status across all wallets.
	ListByStatus(ctx context.Context, status RecordStatus) ([]*SigningKeyRecord, error)

	// Create inserts a new record.
	// An Active record fails with ErrWalletExists if the wallet already has one.
	// A PendingRotation record fails with ErrConcurrentRotationConflict unless
	// the wallet has no pending record and its Active record is record.PreviousID.
	Create(ctx context.Context, record *SigningKeyRecord) error

	// Transition moves a record from one status to another if and only if its
	// current status is from. Fails with ErrConcurrentRotationConflict otherwise.
	Transition(ctx context.Context, recordID string, from, to RecordStatus) error

	// Promote atomically marks the PendingRotation record Active and the
	// Active record it replaces Rotated.
	Promote(ctx context.Context, pendingID, activeID string) error

	// Delete removes a non-Active record.
	Delete(ctx context.Context, recordID string) error

	// Name returns identifier for logging.
	Name() string
}

// StoreLocation represents URI for a record store.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
}

// NewStoreLocation parses and validates a record store URI.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("invalid URI format: %w", err)
	}

	switch parsed.Scheme {
	case "memory", "file", "redis":
	default:
		return StoreLocation{}, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}
