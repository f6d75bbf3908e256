package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/key-custody-backend/cryptoutils"
	"github.com/ruteri/key-custody-backend/interfaces"
	"golang.org/x/sync/errgroup"
)

// Codec dispatches share encryption and decryption to the provider serving
// each slot. It holds exactly one provider per entry of interfaces.ProviderOrder.
type Codec struct {
	providers map[interfaces.ProviderID]interfaces.ShareProvider
	timeout   time.Duration
	log       *slog.Logger
}

// NewCodec creates a codec over one provider per slot. timeout bounds every
// individual provider call; zero disables the bound.
func NewCodec(providers []interfaces.ShareProvider, timeout time.Duration, log *slog.Logger) (*Codec, error) {
	byID := make(map[interfaces.ProviderID]interfaces.ShareProvider, len(providers))
	for _, p := range providers {
		if !p.ID().Valid() {
			return nil, fmt.Errorf("provider %s serves unknown slot %q", p.Name(), p.ID())
		}
		if existing, ok := byID[p.ID()]; ok {
			return nil, fmt.Errorf("providers %s and %s both serve %s", existing.Name(), p.Name(), p.ID())
		}
		byID[p.ID()] = p
	}
	for _, id := range interfaces.ProviderOrder {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("no provider configured for %s", id)
		}
	}

	return &Codec{
		providers: byID,
		timeout:   timeout,
		log:       log,
	}, nil
}

// EncryptShares encrypts shares[i] with the provider of interfaces.ProviderOrder[i].
// All three encryptions run concurrently and all must succeed.
func (c *Codec) EncryptShares(ctx context.Context, shares []*cryptoutils.SecretBuffer) ([]interfaces.EncryptedShare, error) {
	if len(shares) != len(interfaces.ProviderOrder) {
		return nil, fmt.Errorf("expected %d shares, got %d", len(interfaces.ProviderOrder), len(shares))
	}

	encrypted := make([]interfaces.EncryptedShare, len(shares))
	g, gctx := errgroup.WithContext(ctx)
	for i, share := range shares {
		id := interfaces.ProviderOrder[i]
		g.Go(func() error {
			es, err := c.Encrypt(gctx, id, share.Bytes())
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			encrypted[i] = es
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error("Share encryption failed", "err", err)
		return nil, err
	}
	return encrypted, nil
}

// Encrypt encrypts a single plaintext with the provider serving id.
func (c *Codec) Encrypt(ctx context.Context, id interfaces.ProviderID, plaintext []byte) (interfaces.EncryptedShare, error) {
	provider, ok := c.providers[id]
	if !ok {
		return interfaces.EncryptedShare{}, fmt.Errorf("%w: no provider for %s", interfaces.ErrProviderUnavailable, id)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return provider.Encrypt(callCtx, plaintext)
}

// Decrypt decrypts share with the provider recorded on it.
func (c *Codec) Decrypt(ctx context.Context, share interfaces.EncryptedShare) ([]byte, error) {
	provider, ok := c.providers[share.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", interfaces.ErrProviderUnavailable, share.Provider)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return provider.Decrypt(callCtx, share)
}

// Providers returns the providers in canonical order.
func (c *Codec) Providers() []interfaces.ShareProvider {
	out := make([]interfaces.ShareProvider, 0, len(interfaces.ProviderOrder))
	for _, id := range interfaces.ProviderOrder {
		out = append(out, c.providers[id])
	}
	return out
}

func (c *Codec) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
