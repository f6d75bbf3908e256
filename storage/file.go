package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
)

// FileStore keeps each wallet's records in one JSON file under baseDir.
// Every mutation rewrites the wallet file through a temporary file and an
// atomic rename, so a crash leaves either the old or the new record set.
// A FileStore must be the only writer of its directory.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	index   map[string]string // record id -> wallet id
	now     func() time.Time
	log     *slog.Logger
}

// NewFileStore opens (creating if needed) a file store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	walletDir := filepath.Join(baseDir, "wallets")
	if err := os.MkdirAll(walletDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallets directory: %w", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		index:   make(map[string]string),
		now:     time.Now,
		log:     log,
	}

	walletIDs, err := s.walletIDs()
	if err != nil {
		return nil, err
	}
	for _, walletID := range walletIDs {
		records, err := s.load(walletID)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			s.index[r.ID] = walletID
		}
	}

	log.Debug("Opened file record store",
		slog.String("path", baseDir),
		slog.Int("wallets", len(walletIDs)),
		slog.Int("records", len(s.index)))

	return s, nil
}

func (s *FileStore) Active(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load(walletID)
	if err != nil {
		return nil, err
	}
	return records.get(interfaces.StatusActive)
}

func (s *FileStore) Pending(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load(walletID)
	if err != nil {
		return nil, err
	}
	return records.get(interfaces.StatusPendingRotation)
}

func (s *FileStore) Records(ctx context.Context, walletID string) ([]*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load(walletID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return records, nil
}

func (s *FileStore) ListByStatus(ctx context.Context, status interfaces.RecordStatus) ([]*interfaces.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletIDs, err := s.walletIDs()
	if err != nil {
		return nil, err
	}

	var out []*interfaces.SigningKeyRecord
	for _, walletID := range walletIDs {
		records, err := s.load(walletID)
		if err != nil {
			return nil, err
		}
		out = append(out, records.byStatus(status)...)
	}
	return out, nil
}

func (s *FileStore) Create(ctx context.Context, record *interfaces.SigningKeyRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(record.WalletID, func(records walletRecords) (walletRecords, error) {
		return records.create(record, s.now())
	}, func() {
		s.index[record.ID] = record.WalletID
	})
}

func (s *FileStore) Transition(ctx context.Context, recordID string, from, to interfaces.RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	return s.update(walletID, func(records walletRecords) (walletRecords, error) {
		return records.transition(recordID, from, to, s.now())
	}, nil)
}

func (s *FileStore) Promote(ctx context.Context, pendingID, activeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[pendingID]
	if !ok || s.index[activeID] != walletID {
		return interfaces.ErrRecordNotFound
	}
	return s.update(walletID, func(records walletRecords) (walletRecords, error) {
		return records.promote(pendingID, activeID, s.now())
	}, nil)
}

func (s *FileStore) Delete(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walletID, ok := s.index[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	return s.update(walletID, func(records walletRecords) (walletRecords, error) {
		return records.remove(recordID)
	}, func() {
		delete(s.index, recordID)
	})
}

// Ping checks that the wallets directory is still there.
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(filepath.Join(s.baseDir, "wallets"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: wallets path is not a directory", ErrStoreUnavailable)
	}
	return nil
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// update loads a wallet, applies fn and persists the result. onCommit runs
// only after the new state is durable. Must be called with s.mu held.
func (s *FileStore) update(walletID string, fn func(walletRecords) (walletRecords, error), onCommit func()) error {
	records, err := s.load(walletID)
	if err != nil {
		return err
	}
	updated, err := fn(records)
	if err != nil {
		return err
	}
	if err := s.save(walletID, updated); err != nil {
		return err
	}
	if onCommit != nil {
		onCommit()
	}
	return nil
}

func (s *FileStore) load(walletID string) (walletRecords, error) {
	// No record is ever stored under an id this long.
	if len(walletID) > interfaces.MaxWalletIDLength {
		return walletRecords{}, nil
	}
	data, err := os.ReadFile(s.walletPath(walletID))
	if errors.Is(err, os.ErrNotExist) {
		return walletRecords{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}

	var records walletRecords
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode wallet file: %w", err)
	}
	return records, nil
}

func (s *FileStore) save(walletID string, records walletRecords) error {
	path := s.walletPath(walletID)
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove wallet file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode wallet records: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".wallet-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write wallet file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync wallet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close wallet file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace wallet file: %w", err)
	}

	s.log.Debug("Stored wallet records",
		slog.String("wallet_id", walletID),
		slog.Int("records", len(records)))
	return nil
}

// walletPath hex-encodes the wallet id so arbitrary ids map to safe file names.
func (s *FileStore) walletPath(walletID string) string {
	return filepath.Join(s.baseDir, "wallets", hex.EncodeToString([]byte(walletID))+".json")
}

func (s *FileStore) walletIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "wallets"))
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	sort.Strings(ids)
	return ids, nil
}
