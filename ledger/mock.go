package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/key-custody-backend/cryptoutils"
)

var (
	// ErrUnknownWallet is returned for wallets the ledger has no owner for.
	ErrUnknownWallet = errors.New("unknown wallet")
	// ErrWalletRegistered is returned when registering a wallet twice.
	ErrWalletRegistered = errors.New("wallet already registered")
	// ErrZeroOwner is returned when an owner key is missing or all zero.
	ErrZeroOwner = errors.New("new owner cannot be zero")
	// ErrZeroEmailHash is returned when a wallet is registered without an identity hash.
	ErrZeroEmailHash = errors.New("email hash cannot be zero")
	// ErrSameOwner is returned when the new owner equals the current one.
	ErrSameOwner = errors.New("new owner cannot be the current owner")
	// ErrInvalidSignature is returned when the rotation signature does not verify.
	ErrInvalidSignature = errors.New("invalid rotation signature")
	// ErrNoResponse simulates a transition whose outcome is unknown to the caller.
	ErrNoResponse = errors.New("no response from ledger")
)

// Fault is a scripted failure of the next ownership transition.
type Fault struct {
	// Err is returned to the caller.
	Err error
	// Apply lands the transition before returning Err, simulating a lost response.
	Apply bool
	// Delay is waited (or until the context ends) before anything else happens.
	Delay time.Duration
}

type account struct {
	owner     []byte
	emailHash []byte
	nonce     uint64
}

// emailHashSize is the size of the identity hash a wallet is registered with.
const emailHashSize = 32

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// MockLedger is an in-memory ledger enforcing the wallet contract rules:
// the rotation message must be signed by the current owner over the current
// nonce, the new owner must be non-zero and different from the current one,
// and the nonce increments on every accepted transition.
type MockLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
	faults   []Fault
	submits  int
}

// NewMockLedger creates an empty ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		accounts: make(map[string]*account),
	}
}

// RegisterWallet records owner as the initial owner of walletID, bound to
// the owner identity's emailHash. Both must be non-zero.
func (l *MockLedger) RegisterWallet(ctx context.Context, walletID string, owner, emailHash []byte) error {
	if len(owner) != ed25519.PublicKeySize || isZero(owner) {
		return ErrZeroOwner
	}
	if len(emailHash) == 0 || isZero(emailHash) {
		return ErrZeroEmailHash
	}
	if len(emailHash) != emailHashSize {
		return fmt.Errorf("email hash must be %d bytes", emailHashSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[walletID]; ok {
		return ErrWalletRegistered
	}
	l.accounts[walletID] = &account{
		owner:     append([]byte(nil), owner...),
		emailHash: append([]byte(nil), emailHash...),
	}
	return nil
}

// EmailHash returns the identity hash walletID was registered with.
func (l *MockLedger) EmailHash(ctx context.Context, walletID string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[walletID]
	if !ok {
		return nil, ErrUnknownWallet
	}
	return append([]byte(nil), acc.emailHash...), nil
}

// AntiReplayCounter returns the wallet's current nonce.
func (l *MockLedger) AntiReplayCounter(ctx context.Context, walletID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[walletID]
	if !ok {
		return 0, ErrUnknownWallet
	}
	return acc.nonce, nil
}

// Owner returns the wallet's current owner key.
func (l *MockLedger) Owner(ctx context.Context, walletID string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[walletID]
	if !ok {
		return nil, ErrUnknownWallet
	}
	return append([]byte(nil), acc.owner...), nil
}

// SubmitOwnershipTransition applies the transition if it satisfies the
// contract rules, unless a scripted fault intervenes.
func (l *MockLedger) SubmitOwnershipTransition(ctx context.Context, walletID string, newOwner, signature []byte) error {
	fault, faulted := l.nextFault()
	if faulted && fault.Delay > 0 {
		select {
		case <-time.After(fault.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if faulted && !fault.Apply && fault.Err != nil {
		return fault.Err
	}

	if err := l.apply(walletID, newOwner, signature); err != nil {
		return err
	}
	if faulted {
		return fault.Err
	}
	return nil
}

func (l *MockLedger) apply(walletID string, newOwner, signature []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[walletID]
	if !ok {
		return ErrUnknownWallet
	}
	if len(newOwner) != ed25519.PublicKeySize || isZero(newOwner) {
		return ErrZeroOwner
	}
	if bytes.Equal(newOwner, acc.owner) {
		return ErrSameOwner
	}
	if !cryptoutils.VerifyRotation(acc.owner, newOwner, acc.nonce, signature) {
		return ErrInvalidSignature
	}

	acc.owner = append([]byte(nil), newOwner...)
	acc.nonce++
	return nil
}

// InjectFault queues a fault for the next transition. Faults are consumed in order.
func (l *MockLedger) InjectFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

// Submits returns how many transitions were submitted.
func (l *MockLedger) Submits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

func (l *MockLedger) nextFault() (Fault, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if len(l.faults) == 0 {
		return Fault{}, false
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f, true
}
