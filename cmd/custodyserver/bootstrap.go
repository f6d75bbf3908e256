package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/key-custody-backend/config"
	"github.com/ruteri/key-custody-backend/custody"
	"github.com/ruteri/key-custody-backend/httpserver"
	"github.com/ruteri/key-custody-backend/identity"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/kms"
	"github.com/ruteri/key-custody-backend/ledger"
	"github.com/ruteri/key-custody-backend/providers"
	"github.com/ruteri/key-custody-backend/storage"
)

const mockLedgerURL = "mock://"

// services holds the wired custody components of one process.
type services struct {
	store       interfaces.RecordStore
	provisioner *custody.Provisioner
	signer      *custody.SigningService
	rotator     *custody.RotationCoordinator
	reconciler  *custody.Reconciler

	closers []func()
}

// dependencies are the readiness checks of the serving process.
func (s *services) dependencies() map[string]httpserver.DependencyCheck {
	deps := map[string]httpserver.DependencyCheck{}
	if pinger, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		deps["store"] = pinger.Ping
	}
	return deps
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// bootstrap builds every component from cfg. On error, whatever was already
// opened is closed.
func bootstrap(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	codec, err := providers.NewProviderFactory(log).CreateCodec(cfg.Providers, cfg.ProviderTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}
	for _, p := range codec.Providers() {
		if closer, ok := p.(interface{ Close() }); ok {
			s.closers = append(s.closers, closer.Close)
		}
	}

	s.store, err = storage.NewStoreFactory(log).StoreFor(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if closer, ok := s.store.(io.Closer); ok {
		s.closers = append(s.closers, func() { _ = closer.Close() })
	}
	log.Info("Record store ready", "store", s.store.Name())

	ledgerClient, err := dialLedger(ctx, cfg.Ledger, log)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, ledgerClient.Close)

	bindings, err := identity.NewBindingTable(cfg.Identity.BindingsPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity bindings: %w", err)
	}

	authorizer, err := newAuthorizer(cfg, bindings, log)
	if err != nil {
		return nil, err
	}

	reconstructor := kms.NewReconstructor(codec, log)
	s.provisioner = custody.NewProvisioner(s.store, codec, bindings, ledgerClient, log)
	s.signer = custody.NewSigningService(s.store, reconstructor, authorizer, log)
	s.rotator = custody.NewRotationCoordinator(s.store, codec, reconstructor, authorizer, ledgerClient, cfg.Rotation.TransitionTimeout, log)
	s.reconciler = custody.NewReconciler(s.store, ledgerClient, cfg.Reconcile.StaleAfter, log)
	return s, nil
}

// dialLedger connects to the configured ledger. mock:// serves an in-memory
// ledger in-process, for development only.
func dialLedger(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (*ledger.RPCClient, error) {
	if cfg.URL == mockLedgerURL {
		log.Warn("Using in-process mock ledger, ownership is not persisted")
		return ledger.DialInProc(ledger.NewMockLedger(), cfg.Timeout, log)
	}

	log.Info("Connecting to ledger RPC", "address", cfg.URL)
	return ledger.Dial(ctx, cfg.URL, cfg.Timeout, log)
}

func newAuthorizer(cfg *config.Config, bindings *identity.BindingTable, log *slog.Logger) (interfaces.IdentityAuthorizer, error) {
	keys, err := cfg.IssuerKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		log.Warn("No token issuer keys configured, callers are identified by their raw identity")
		return identity.NewStaticAuthorizer(bindings), nil
	}
	authorizer, err := identity.NewJWSAuthorizer(keys, bindings, log)
	if err != nil {
		return nil, err
	}
	return authorizer, nil
}
