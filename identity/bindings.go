package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrAlreadyBound is returned when binding a wallet that is bound to a different identity.
var ErrAlreadyBound = errors.New("wallet is bound to another identity")

// HashIdentity returns the comparison value of a raw identity such as an
// email address: SHA-256 over the trimmed, lower-cased string.
func HashIdentity(raw string) []byte {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(raw))))
	return sum[:]
}

// BindingTable maps wallets to the hash of the identity allowed to act on
// them. When created with a path, the table is loaded from and persisted to
// a JSON file of hex-encoded hashes.
type BindingTable struct {
	mu     sync.RWMutex
	hashes map[string][]byte
	path   string
	log    *slog.Logger
}

// NewBindingTable creates a table, loading path if it exists. An empty path
// keeps the table in memory only.
func NewBindingTable(path string, log *slog.Logger) (*BindingTable, error) {
	t := &BindingTable{
		hashes: make(map[string][]byte),
		path:   path,
		log:    log,
	}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings: %w", err)
	}

	var encoded map[string]string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode bindings: %w", err)
	}
	for walletID, h := range encoded {
		hash, err := hex.DecodeString(h)
		if err != nil || len(hash) != sha256.Size {
			return nil, fmt.Errorf("invalid identity hash for wallet %s", walletID)
		}
		t.hashes[walletID] = hash
	}

	log.Debug("Loaded identity bindings", slog.String("path", path), slog.Int("wallets", len(t.hashes)))
	return t, nil
}

// Bind associates walletID with identityHash. Binding the same pair twice is a no-op.
func (t *BindingTable) Bind(ctx context.Context, walletID string, identityHash []byte) error {
	if len(identityHash) != sha256.Size {
		return fmt.Errorf("identity hash must be %d bytes", sha256.Size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.hashes[walletID]; ok {
		if subtle.ConstantTimeCompare(existing, identityHash) == 1 {
			return nil
		}
		return ErrAlreadyBound
	}

	t.hashes[walletID] = append([]byte(nil), identityHash...)
	if err := t.persist(); err != nil {
		delete(t.hashes, walletID)
		return err
	}
	return nil
}

// Unbind removes the binding of walletID.
func (t *BindingTable) Unbind(ctx context.Context, walletID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.hashes[walletID]
	if !ok {
		return nil
	}
	delete(t.hashes, walletID)
	if err := t.persist(); err != nil {
		t.hashes[walletID] = existing
		return err
	}
	return nil
}

// Matches reports in constant time whether walletID is bound to identityHash.
func (t *BindingTable) Matches(walletID string, identityHash []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bound, ok := t.hashes[walletID]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(bound, identityHash) == 1
}

func (t *BindingTable) persist() error {
	if t.path == "" {
		return nil
	}

	encoded := make(map[string]string, len(t.hashes))
	for walletID, hash := range t.hashes {
		encoded[walletID] = hex.EncodeToString(hash)
	}
	data, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return err
	}

	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0700); err != nil {
		return fmt.Errorf("failed to create bindings directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write bindings: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace bindings: %w", err)
	}
	return nil
}
