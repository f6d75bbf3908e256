package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/key-custody-backend/interfaces"
)

// VaultTransitConfig configures a VaultTransitProvider.
type VaultTransitConfig struct {
	ID interfaces.ProviderID
	// Address of the Vault server, e.g. https://vault.example.com:8200
	Address string
	// Mount is the transit secrets engine mount path, e.g. "transit".
	Mount   string
	KeyName string
	Token   string
	Timeout time.Duration
}

// VaultTransitProvider encrypts shares with a HashiCorp Vault transit key.
// Ciphertexts are the "vault:vN:..." strings returned by Vault.
type VaultTransitProvider struct {
	id      interfaces.ProviderID
	client  *api.Client
	mount   string
	keyName string
	log     *slog.Logger
}

// NewVaultTransitProvider creates a provider with its own Vault client.
func NewVaultTransitProvider(cfg VaultTransitConfig, log *slog.Logger) (*VaultTransitProvider, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("vault transit provider: key name is required")
	}
	if cfg.ID == "" {
		cfg.ID = interfaces.RemoteSecondary
	}
	if cfg.Mount == "" {
		cfg.Mount = "transit"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: cfg.Timeout}
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultTransitProvider{
		id:      cfg.ID,
		client:  client,
		mount:   strings.Trim(cfg.Mount, "/"),
		keyName: strings.Trim(cfg.KeyName, "/"),
		log:     log,
	}, nil
}

// Encrypt encrypts plaintext with the transit key.
func (p *VaultTransitProvider) Encrypt(ctx context.Context, plaintext []byte) (interfaces.EncryptedShare, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/encrypt/%s", p.mount, p.keyName)

	encoded := base64.StdEncoding.EncodeToString(plaintext)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": encoded,
	})
	if err != nil {
		p.log.Warn("Vault transit encrypt failed", slog.String("provider", p.id.String()), "err", err)
		return interfaces.EncryptedShare{}, fmt.Errorf("%w: %s", interfaces.ErrProviderUnavailable, vaultErrorSummary(err))
	}

	ciphertext, ok := stringField(secret, "ciphertext")
	if !ok {
		return interfaces.EncryptedShare{}, fmt.Errorf("%w: malformed transit encrypt response", interfaces.ErrProviderUnavailable)
	}

	p.log.Debug("Vault transit encrypt succeeded",
		slog.String("provider", p.id.String()),
		slog.Duration("duration", time.Since(start)))

	return interfaces.EncryptedShare{
		Provider:   p.id,
		Ciphertext: []byte(ciphertext),
	}, nil
}

// Decrypt asks Vault to decrypt a share produced by Encrypt.
func (p *VaultTransitProvider) Decrypt(ctx context.Context, share interfaces.EncryptedShare) ([]byte, error) {
	if share.Provider != p.id {
		return nil, fmt.Errorf("%w: share belongs to %s", interfaces.ErrDecryptionFailed, share.Provider)
	}

	start := time.Now()
	path := fmt.Sprintf("%s/decrypt/%s", p.mount, p.keyName)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(share.Ciphertext),
	})
	if err != nil {
		p.log.Warn("Vault transit decrypt failed", slog.String("provider", p.id.String()), "err", err)
		var rerr *api.ResponseError
		if errors.As(err, &rerr) && rerr.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: ciphertext rejected", interfaces.ErrDecryptionFailed)
		}
		return nil, fmt.Errorf("%w: %s", interfaces.ErrProviderUnavailable, vaultErrorSummary(err))
	}

	encoded, ok := stringField(secret, "plaintext")
	if !ok {
		return nil, fmt.Errorf("%w: malformed transit decrypt response", interfaces.ErrProviderUnavailable)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext encoding", interfaces.ErrDecryptionFailed)
	}

	p.log.Debug("Vault transit decrypt succeeded",
		slog.String("provider", p.id.String()),
		slog.Duration("duration", time.Since(start)))

	return plaintext, nil
}

// ID returns the provider slot.
func (p *VaultTransitProvider) ID() interfaces.ProviderID {
	return p.id
}

// Name returns identifier for logging.
func (p *VaultTransitProvider) Name() string {
	return fmt.Sprintf("vault-%s-%s", p.mount, p.keyName)
}

func stringField(secret *api.Secret, field string) (string, bool) {
	if secret == nil || secret.Data == nil {
		return "", false
	}
	value, ok := secret.Data[field].(string)
	return value, ok && value != ""
}

// vaultErrorSummary keeps the status code of a Vault response error and drops
// the response body, which may echo request fields.
func vaultErrorSummary(err error) string {
	var rerr *api.ResponseError
	if errors.As(err, &rerr) {
		return fmt.Sprintf("status %d", rerr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "request failed"
}
