package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// MaxWalletIDLength is the longest wallet id, in bytes, every record store
// can key on. The file store names files after the hex-encoded id.
const MaxWalletIDLength = 120

// ValidateWalletID checks that id is non-empty and at most MaxWalletIDLength bytes.
func ValidateWalletID(id string) error {
	if id == "" {
		return errors.New("wallet id is required")
	}
	if len(id) > MaxWalletIDLength {
		return fmt.Errorf("wallet id is %d bytes, at most %d are allowed", len(id), MaxWalletIDLength)
	}
	return nil
}

// ProviderID identifies an independent custody provider.
type ProviderID string

const (
	// RemotePrimary is the primary remote key-management service.
	RemotePrimary ProviderID = "remote-primary"
	// LocalSymmetric is the local authenticated symmetric cipher.
	LocalSymmetric ProviderID = "local-symmetric"
	// RemoteSecondary is the backup remote key-management service, operated
	// independently from RemotePrimary.
	RemoteSecondary ProviderID = "remote-secondary"
)

// ProviderOrder is the canonical provider order. Share i of a split is always
// encrypted by ProviderOrder[i], and reconstruction prefers earlier providers.
var ProviderOrder = []ProviderID{RemotePrimary, LocalSymmetric, RemoteSecondary}

// String returns the provider identifier.
func (p ProviderID) String() string {
	return string(p)
}

// Valid reports whether p is one of the known providers.
func (p ProviderID) Valid() bool {
	for _, known := range ProviderOrder {
		if p == known {
			return true
		}
	}
	return false
}

// EncryptedShare is one key share encrypted by a single provider.
// Ciphertext is opaque to everything except the provider that produced it.
type EncryptedShare struct {
	Provider   ProviderID `json:"provider" cbor:"1,keyasint"`
	Ciphertext []byte     `json:"ciphertext" cbor:"2,keyasint"`
	// Aux carries provider-specific metadata, e.g. the local key fingerprint.
	Aux []byte `json:"aux,omitempty" cbor:"3,keyasint,omitempty"`
}

// Clone returns a deep copy of the share.
func (s EncryptedShare) Clone() EncryptedShare {
	return EncryptedShare{
		Provider:   s.Provider,
		Ciphertext: append([]byte(nil), s.Ciphertext...),
		Aux:        append([]byte(nil), s.Aux...),
	}
}

// RecordStatus is the lifecycle status of a SigningKeyRecord.
type RecordStatus string

const (
	// StatusActive marks the wallet's single usable signing key.
	StatusActive RecordStatus = "active"
	// StatusPendingRotation marks a replacement key whose ownership transition
	// has not been confirmed yet.
	StatusPendingRotation RecordStatus = "pending_rotation"
	// StatusRotated marks a key that has been replaced.
	StatusRotated RecordStatus = "rotated"
)

// String returns the status name.
func (s RecordStatus) String() string {
	return string(s)
}

// SigningKeyRecord is the persisted custody state of one signing key.
// It never contains the secret key or any plaintext share.
type SigningKeyRecord struct {
	ID        string           `json:"id" cbor:"1,keyasint"`
	WalletID  string           `json:"wallet_id" cbor:"2,keyasint"`
	PublicKey []byte           `json:"public_key" cbor:"3,keyasint"`
	Shares    []EncryptedShare `json:"shares" cbor:"4,keyasint"`
	// Digest is the integrity digest of the secret key, see cryptoutils.Digest.
	Digest []byte       `json:"digest" cbor:"5,keyasint"`
	Status RecordStatus `json:"status" cbor:"6,keyasint"`
	// PreviousID is the Active record a PendingRotation record replaces.
	PreviousID string    `json:"previous_id,omitempty" cbor:"7,keyasint,omitempty"`
	CreatedAt  time.Time `json:"created_at" cbor:"8,keyasint"`
	UpdatedAt  time.Time `json:"updated_at" cbor:"9,keyasint"`
}

// Share returns the encrypted share held by the given provider.
func (r *SigningKeyRecord) Share(provider ProviderID) (EncryptedShare, bool) {
	for _, share := range r.Shares {
		if share.Provider == provider {
			return share, true
		}
	}
	return EncryptedShare{}, false
}

// PublicKeyHex returns the hex encoded public key.
func (r *SigningKeyRecord) PublicKeyHex() string {
	return hex.EncodeToString(r.PublicKey)
}

// Clone returns a deep copy of the record.
func (r *SigningKeyRecord) Clone() *SigningKeyRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PublicKey = append([]byte(nil), r.PublicKey...)
	clone.Digest = append([]byte(nil), r.Digest...)
	clone.Shares = make([]EncryptedShare, len(r.Shares))
	for i, share := range r.Shares {
		clone.Shares[i] = share.Clone()
	}
	return &clone
}

// Identity is the opaque credential a caller presents to act on a wallet,
// e.g. a signed bearer token or a verified email address.
type Identity string
