package custody

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/key-custody-backend/identity"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/kms"
	"github.com/ruteri/key-custody-backend/ledger"
	"github.com/ruteri/key-custody-backend/providers"
	"github.com/ruteri/key-custody-backend/storage"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testWallet = "wallet-1"
	testOwner  = "alice@example.com"
)

// flakyProvider wraps a provider and fails its calls on demand.
type flakyProvider struct {
	interfaces.ShareProvider

	mu         sync.Mutex
	decryptErr error
	encryptErr error
}

func (f *flakyProvider) failDecrypt(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decryptErr = err
}

func (f *flakyProvider) failEncrypt(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encryptErr = err
}

func (f *flakyProvider) Decrypt(ctx context.Context, share interfaces.EncryptedShare) ([]byte, error) {
	f.mu.Lock()
	err := f.decryptErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ShareProvider.Decrypt(ctx, share)
}

func (f *flakyProvider) Encrypt(ctx context.Context, plaintext []byte) (interfaces.EncryptedShare, error) {
	f.mu.Lock()
	err := f.encryptErr
	f.mu.Unlock()
	if err != nil {
		return interfaces.EncryptedShare{}, err
	}
	return f.ShareProvider.Encrypt(ctx, plaintext)
}

type harness struct {
	store      *storage.MemoryStore
	providers  map[interfaces.ProviderID]*flakyProvider
	ledger     *ledger.MockLedger
	bindings   *identity.BindingTable
	authorizer interfaces.IdentityAuthorizer
	codec      ShareCodec
	// chain, when set, replaces ledger for the rotator and the reconciler.
	chain interfaces.Ledger
	// registrar, when set, replaces ledger for the provisioner.
	registrar WalletRegistrar

	provisioner *Provisioner
	signer      *SigningService
	rotator     *RotationCoordinator
	reconciler  *Reconciler
}

// newHarness wires the custody services over an in-memory store, the mock
// ledger and three independent local AEAD providers, one per slot.
func newHarness(t *testing.T) *harness {
	h := &harness{
		store:     storage.NewMemoryStore(testLogger),
		providers: make(map[interfaces.ProviderID]*flakyProvider),
		ledger:    ledger.NewMockLedger(),
	}

	var shareProviders []interfaces.ShareProvider
	for i, id := range interfaces.ProviderOrder {
		p, err := providers.NewLocalAEADProvider(providers.LocalConfig{
			ID:  id,
			Key: bytes.Repeat([]byte{byte(i + 1)}, providers.LocalKeySize),
		}, testLogger)
		require.NoError(t, err)
		h.providers[id] = &flakyProvider{ShareProvider: p}
		shareProviders = append(shareProviders, h.providers[id])
	}
	codec, err := providers.NewCodec(shareProviders, time.Second, testLogger)
	require.NoError(t, err)

	h.bindings, err = identity.NewBindingTable("", testLogger)
	require.NoError(t, err)
	h.authorizer = identity.NewStaticAuthorizer(h.bindings)
	h.codec = codec

	h.wire()
	return h
}

// wire (re)creates the services from the harness collaborators.
func (h *harness) wire() {
	codec := h.codec
	reconstructor := kms.NewReconstructor(codec, testLogger)
	var registrar WalletRegistrar = h.ledger
	if h.registrar != nil {
		registrar = h.registrar
	}
	h.provisioner = NewProvisioner(h.store, codec, h.bindings, registrar, testLogger)
	h.signer = NewSigningService(h.store, reconstructor, h.authorizer, testLogger)
	var chain interfaces.Ledger = h.ledger
	if h.chain != nil {
		chain = h.chain
	}
	h.rotator = NewRotationCoordinator(h.store, codec, reconstructor, h.authorizer, chain, time.Second, testLogger)
	h.reconciler = NewReconciler(h.store, chain, time.Minute, testLogger)
}

func (h *harness) createWallet(t *testing.T) ed25519.PublicKey {
	pub, err := h.provisioner.CreateWallet(context.Background(), testWallet, identity.HashIdentity(testOwner))
	require.NoError(t, err)
	return pub
}

func (h *harness) records(t *testing.T) []*interfaces.SigningKeyRecord {
	records, err := h.store.Records(context.Background(), testWallet)
	require.NoError(t, err)
	return records
}

func (h *harness) sign(t *testing.T, payload []byte) []byte {
	sig, err := h.signer.Sign(context.Background(), testWallet, testOwner, payload)
	require.NoError(t, err)
	return sig
}

func (h *harness) active(t *testing.T) *interfaces.SigningKeyRecord {
	record, err := h.store.Active(context.Background(), testWallet)
	require.NoError(t, err)
	return record
}

// staleClock moves the reconciler past the staleness threshold.
func (h *harness) staleClock() {
	h.reconciler.now = func() time.Time { return time.Now().Add(2 * h.reconciler.staleAfter) }
}
