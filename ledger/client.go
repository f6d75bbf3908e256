package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// knownErrors maps error messages of the ledger service back to sentinels.
var knownErrors = map[string]error{
	ErrUnknownWallet.Error():    ErrUnknownWallet,
	ErrWalletRegistered.Error(): ErrWalletRegistered,
	ErrZeroOwner.Error():        ErrZeroOwner,
	ErrZeroEmailHash.Error():    ErrZeroEmailHash,
	ErrSameOwner.Error():        ErrSameOwner,
	ErrInvalidSignature.Error(): ErrInvalidSignature,
}

// RPCClient talks to a custody ledger over JSON-RPC (HTTP, WebSocket or IPC).
type RPCClient struct {
	client  *rpc.Client
	server  *rpc.Server
	timeout time.Duration
	log     *slog.Logger
}

// Dial connects to the ledger at rawURL. timeout bounds every call; zero disables the bound.
func Dial(ctx context.Context, rawURL string, timeout time.Duration, log *slog.Logger) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	return NewRPCClient(client, timeout, log), nil
}

// NewRPCClient wraps an existing RPC client.
func NewRPCClient(client *rpc.Client, timeout time.Duration, log *slog.Logger) *RPCClient {
	return &RPCClient{
		client:  client,
		timeout: timeout,
		log:     log,
	}
}

// AntiReplayCounter returns the wallet's current rotation nonce.
func (c *RPCClient) AntiReplayCounter(ctx context.Context, walletID string) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.call(ctx, &nonce, "getNonce", walletID); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

// Owner returns the owner key currently recorded for the wallet.
func (c *RPCClient) Owner(ctx context.Context, walletID string) ([]byte, error) {
	var owner hexutil.Bytes
	if err := c.call(ctx, &owner, "getOwner", walletID); err != nil {
		return nil, err
	}
	return owner, nil
}

// SubmitOwnershipTransition submits a signed owner update.
func (c *RPCClient) SubmitOwnershipTransition(ctx context.Context, walletID string, newOwner, signature []byte) error {
	start := time.Now()
	err := c.call(ctx, nil, "updateOwner", walletID, hexutil.Bytes(newOwner), hexutil.Bytes(signature))
	c.log.Debug("Submitted ownership transition",
		slog.String("wallet_id", walletID),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", err == nil))
	return err
}

// RegisterWallet records the initial owner and identity hash of a new wallet.
func (c *RPCClient) RegisterWallet(ctx context.Context, walletID string, owner, emailHash []byte) error {
	return c.call(ctx, nil, "registerWallet", walletID, hexutil.Bytes(owner), hexutil.Bytes(emailHash))
}

// EmailHash returns the identity hash walletID was registered with.
func (c *RPCClient) EmailHash(ctx context.Context, walletID string) ([]byte, error) {
	var hash hexutil.Bytes
	if err := c.call(ctx, &hash, "getEmailHash", walletID); err != nil {
		return nil, err
	}
	return hash, nil
}

// NewRPCServer exposes backend under Namespace.
func NewRPCServer(backend Ledger) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(Namespace, NewService(backend)); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to register ledger service: %w", err)
	}
	return server, nil
}

// DialInProc serves backend on an in-process RPC server and connects to it.
// Close stops the server too.
func DialInProc(backend Ledger, timeout time.Duration, log *slog.Logger) (*RPCClient, error) {
	server, err := NewRPCServer(backend)
	if err != nil {
		return nil, err
	}
	c := NewRPCClient(rpc.DialInProc(server), timeout, log)
	c.server = server
	return c, nil
}

// Close terminates the connection.
func (c *RPCClient) Close() {
	c.client.Close()
	if c.server != nil {
		c.server.Stop()
	}
}

func (c *RPCClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.client.CallContext(ctx, result, Namespace+"_"+method, args...)
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if known, ok := knownErrors[rpcErr.Error()]; ok {
			return known
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out", ErrNoResponse, method)
	}
	return fmt.Errorf("ledger %s failed: %w", method, err)
}
