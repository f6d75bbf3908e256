package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/key-custody-backend/interfaces"
)

// Namespace is the JSON-RPC namespace of the custody ledger methods.
const Namespace = "custody"

// Registrar is implemented by ledgers that accept new wallets.
type Registrar interface {
	// RegisterWallet records the initial owner of walletID and the hash of
	// the identity the wallet belongs to.
	RegisterWallet(ctx context.Context, walletID string, owner, emailHash []byte) error
	// EmailHash returns the identity hash walletID was registered with.
	EmailHash(ctx context.Context, walletID string) ([]byte, error)
}

// Ledger is a ledger that can also register wallets.
type Ledger interface {
	interfaces.Ledger
	Registrar
}

// Service exposes a Ledger over JSON-RPC under the "custody" namespace:
// custody_getNonce, custody_getOwner, custody_getEmailHash, custody_updateOwner
// and custody_registerWallet.
type Service struct {
	backend Ledger
}

// NewService wraps backend for registration with rpc.Server.RegisterName(Namespace, ...).
func NewService(backend Ledger) *Service {
	return &Service{backend: backend}
}

func (s *Service) GetNonce(ctx context.Context, walletID string) (hexutil.Uint64, error) {
	nonce, err := s.backend.AntiReplayCounter(ctx, walletID)
	return hexutil.Uint64(nonce), err
}

func (s *Service) GetOwner(ctx context.Context, walletID string) (hexutil.Bytes, error) {
	return s.backend.Owner(ctx, walletID)
}

func (s *Service) GetEmailHash(ctx context.Context, walletID string) (hexutil.Bytes, error) {
	return s.backend.EmailHash(ctx, walletID)
}

func (s *Service) UpdateOwner(ctx context.Context, walletID string, newOwner, signature hexutil.Bytes) error {
	return s.backend.SubmitOwnershipTransition(ctx, walletID, newOwner, signature)
}

func (s *Service) RegisterWallet(ctx context.Context, walletID string, owner, emailHash hexutil.Bytes) error {
	return s.backend.RegisterWallet(ctx, walletID, owner, emailHash)
}
