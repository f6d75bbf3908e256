package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
)

// MemoryStore keeps records in process memory. It is meant for tests and
// single-process development setups: nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]walletRecords
	index   map[string]string // record id -> wallet id
	now     func() time.Time
	log     *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]walletRecords),
		index:   make(map[string]string),
		now:     time.Now,
		log:     log,
	}
}

func (s *MemoryStore) Active(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[walletID].get(interfaces.StatusActive)
}

func (s *MemoryStore) Pending(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[walletID].get(interfaces.StatusPendingRotation)
}

func (s *MemoryStore) Records(ctx context.Context, walletID string) ([]*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.wallets[walletID]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return records.clone(), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status interfaces.RecordStatus) ([]*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletIDs := make([]string, 0, len(s.wallets))
	for walletID := range s.wallets {
		walletIDs = append(walletIDs, walletID)
	}
	sort.Strings(walletIDs)

	var out []*interfaces.SigningKeyRecord
	for _, walletID := range walletIDs {
		out = append(out, s.wallets[walletID].byStatus(status)...)
	}
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, record *interfaces.SigningKeyRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.wallets[record.WalletID].create(record, s.now())
	if err != nil {
		return err
	}
	s.wallets[record.WalletID] = updated
	s.index[record.ID] = record.WalletID
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, recordID string, from, to interfaces.RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	updated, err := s.wallets[walletID].transition(recordID, from, to, s.now())
	if err != nil {
		return err
	}
	s.wallets[walletID] = updated
	return nil
}

func (s *MemoryStore) Promote(ctx context.Context, pendingID, activeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[pendingID]
	if !ok || s.index[activeID] != walletID {
		return interfaces.ErrRecordNotFound
	}
	updated, err := s.wallets[walletID].promote(pendingID, activeID, s.now())
	if err != nil {
		return err
	}
	s.wallets[walletID] = updated
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	updated, err := s.wallets[walletID].remove(recordID)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		delete(s.wallets, walletID)
	} else {
		s.wallets[walletID] = updated
	}
	delete(s.index, recordID)
	return nil
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return "memory"
}
