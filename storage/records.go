package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
)

var (
	// ErrStoreUnavailable is returned when the backing database cannot be reached.
	ErrStoreUnavailable = errors.New("record store unavailable")

	errActiveDelete = errors.New("active records cannot be deleted")
)

// walletRecords is the full record set of one wallet. Every store keeps a
// wallet's records together and applies mutations through these methods, so
// the lifecycle rules are identical across backends. Mutating methods work on
// a copy and return it; the receiver is never modified.
type walletRecords []*interfaces.SigningKeyRecord

func (w walletRecords) clone() walletRecords {
	out := make(walletRecords, len(w))
	for i, r := range w {
		out[i] = r.Clone()
	}
	return out
}

func (w walletRecords) find(recordID string) (int, *interfaces.SigningKeyRecord) {
	for i, r := range w {
		if r.ID == recordID {
			return i, r
		}
	}
	return -1, nil
}

func (w walletRecords) withStatus(status interfaces.RecordStatus) *interfaces.SigningKeyRecord {
	for _, r := range w {
		if r.Status == status {
			return r
		}
	}
	return nil
}

func (w walletRecords) get(status interfaces.RecordStatus) (*interfaces.SigningKeyRecord, error) {
	r := w.withStatus(status)
	if r == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	return r.Clone(), nil
}

func validateRecord(record *interfaces.SigningKeyRecord) error {
	if record == nil || record.ID == "" {
		return errors.New("record id is required")
	}
	if err := interfaces.ValidateWalletID(record.WalletID); err != nil {
		return err
	}
	if len(record.PublicKey) == 0 || len(record.Digest) == 0 {
		return errors.New("record public key and digest are required")
	}
	if len(record.Shares) != len(interfaces.ProviderOrder) {
		return fmt.Errorf("record must hold %d shares, got %d", len(interfaces.ProviderOrder), len(record.Shares))
	}
	return nil
}

// create appends record if the wallet's lifecycle allows it.
func (w walletRecords) create(record *interfaces.SigningKeyRecord, now time.Time) (walletRecords, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}
	if _, existing := w.find(record.ID); existing != nil {
		return nil, fmt.Errorf("%w: record %s already exists", interfaces.ErrConcurrentRotationConflict, record.ID)
	}

	switch record.Status {
	case interfaces.StatusActive:
		if w.withStatus(interfaces.StatusActive) != nil {
			return nil, interfaces.ErrWalletExists
		}
	case interfaces.StatusPendingRotation:
		if w.withStatus(interfaces.StatusPendingRotation) != nil {
			return nil, fmt.Errorf("%w: a rotation is already pending", interfaces.ErrConcurrentRotationConflict)
		}
		active := w.withStatus(interfaces.StatusActive)
		if active == nil || active.ID != record.PreviousID {
			return nil, fmt.Errorf("%w: active record changed", interfaces.ErrConcurrentRotationConflict)
		}
	default:
		return nil, fmt.Errorf("cannot create a record with status %s", record.Status)
	}

	stored := record.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	out := w.clone()
	return append(out, stored), nil
}

// transition changes the status of recordID from `from` to `to`.
func (w walletRecords) transition(recordID string, from, to interfaces.RecordStatus, now time.Time) (walletRecords, error) {
	out := w.clone()
	_, record := out.find(recordID)
	if record == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	if record.Status != from {
		return nil, fmt.Errorf("%w: record %s is %s, expected %s", interfaces.ErrConcurrentRotationConflict, recordID, record.Status, from)
	}
	if to == interfaces.StatusActive || to == interfaces.StatusPendingRotation {
		if other := out.withStatus(to); other != nil && other.ID != recordID {
			return nil, fmt.Errorf("%w: wallet already has a %s record", interfaces.ErrConcurrentRotationConflict, to)
		}
	}

	record.Status = to
	record.UpdatedAt = now
	return out, nil
}

// promote activates pendingID and retires activeID in one step.
func (w walletRecords) promote(pendingID, activeID string, now time.Time) (walletRecords, error) {
	out := w.clone()
	_, pending := out.find(pendingID)
	_, active := out.find(activeID)
	if pending == nil || active == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	if pending.Status != interfaces.StatusPendingRotation || active.Status != interfaces.StatusActive {
		return nil, fmt.Errorf("%w: records are %s/%s", interfaces.ErrConcurrentRotationConflict, pending.Status, active.Status)
	}
	if pending.PreviousID != activeID {
		return nil, fmt.Errorf("%w: pending record does not replace %s", interfaces.ErrConcurrentRotationConflict, activeID)
	}

	pending.Status = interfaces.StatusActive
	pending.UpdatedAt = now
	active.Status = interfaces.StatusRotated
	active.UpdatedAt = now
	return out, nil
}

// remove deletes a non-Active record.
func (w walletRecords) remove(recordID string) (walletRecords, error) {
	i, record := w.find(recordID)
	if record == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	if record.Status == interfaces.StatusActive {
		return nil, errActiveDelete
	}

	out := make(walletRecords, 0, len(w)-1)
	out = append(out, w[:i].clone()...)
	return append(out, w[i+1:].clone()...), nil
}

func (w walletRecords) byStatus(status interfaces.RecordStatus) []*interfaces.SigningKeyRecord {
	var out []*interfaces.SigningKeyRecord
	for _, r := range w {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	return out
}
