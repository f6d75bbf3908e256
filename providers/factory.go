package providers

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
)

// ProviderFactory creates share providers from URI strings. Secrets are never
// part of the URI itself: they are read from the environment variables the
// URI names.
type ProviderFactory struct {
	log    *slog.Logger
	getenv func(string) string
}

// NewProviderFactory creates a new factory reading secrets from the process environment.
func NewProviderFactory(log *slog.Logger) *ProviderFactory {
	return &ProviderFactory{
		log:    log,
		getenv: os.Getenv,
	}
}

// ProviderFor creates the provider serving slot id from a location URI.
//
// Supported schemes:
//   - awskms://<key-id>?region=us-east-1&endpoint=...&access-key-env=VAR&secret-key-env=VAR
//     (or awskms://?key=<key-arn>&region=...)
//   - local://?key-env=VAR (hex key) or local://?passphrase-env=VAR&salt=<hex>
//   - vault://host:port/<transit-mount>/<key-name>?token-env=VAR&scheme=https&timeout=30s
func (f *ProviderFactory) ProviderFor(id interfaces.ProviderID, locationURI string) (interfaces.ShareProvider, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("unknown provider slot %q", id)
	}

	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "awskms":
		return f.createAWSKMSProvider(id, u)
	case "local":
		return f.createLocalProvider(id, u)
	case "vault":
		return f.createVaultProvider(id, u)
	default:
		return nil, fmt.Errorf("unsupported provider scheme: %s", u.Scheme)
	}
}

// CreateCodec builds one provider per slot from uris and wraps them in a Codec.
func (f *ProviderFactory) CreateCodec(uris map[interfaces.ProviderID]string, timeout time.Duration) (*Codec, error) {
	providers := make([]interfaces.ShareProvider, 0, len(interfaces.ProviderOrder))
	for _, id := range interfaces.ProviderOrder {
		uri, ok := uris[id]
		if !ok || uri == "" {
			return nil, fmt.Errorf("no provider URI configured for %s", id)
		}
		provider, err := f.ProviderFor(id, uri)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		f.log.Info("Configured share provider",
			slog.String("slot", id.String()),
			slog.String("provider", provider.Name()))
		providers = append(providers, provider)
	}
	return NewCodec(providers, timeout, f.log)
}

// createAWSKMSProvider parses awskms://<key-id>?region=..&endpoint=..
func (f *ProviderFactory) createAWSKMSProvider(id interfaces.ProviderID, u *url.URL) (interfaces.ShareProvider, error) {
	f.log.Debug("Creating AWS KMS provider", slog.String("slot", id.String()))

	query := u.Query()
	keyID := u.Host + u.Path
	if key := query.Get("key"); key != "" {
		// ARNs contain colons and cannot be the URI host.
		keyID = key
	}

	cfg := AWSKMSConfig{
		ID:       id,
		KeyID:    keyID,
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if name := query.Get("access-key-env"); name != "" {
		cfg.AccessKey = f.getenv(name)
		cfg.SecretKey = f.getenv(query.Get("secret-key-env"))
	}
	return NewAWSKMSProvider(cfg, f.log)
}

// createLocalProvider parses local://?key-env=VAR or local://?passphrase-env=VAR&salt=<hex>
func (f *ProviderFactory) createLocalProvider(id interfaces.ProviderID, u *url.URL) (interfaces.ShareProvider, error) {
	f.log.Debug("Creating local AEAD provider", slog.String("slot", id.String()))

	query := u.Query()
	cfg := LocalConfig{ID: id}

	if name := query.Get("key-env"); name != "" {
		value := f.getenv(name)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s is empty", name)
		}
		key, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex key in %s: %w", name, err)
		}
		cfg.Key = key
	}

	if name := query.Get("passphrase-env"); name != "" {
		value := f.getenv(name)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s is empty", name)
		}
		salt, err := hex.DecodeString(query.Get("salt"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex salt: %w", err)
		}
		cfg.Passphrase = []byte(value)
		cfg.Salt = salt
	}

	return NewLocalAEADProvider(cfg, f.log)
}

// createVaultProvider parses vault://host:port/<transit-mount>/<key-name>?token-env=VAR
func (f *ProviderFactory) createVaultProvider(id interfaces.ProviderID, u *url.URL) (interfaces.ShareProvider, error) {
	f.log.Debug("Creating Vault transit provider", slog.String("slot", id.String()))

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" {
		return nil, fmt.Errorf("invalid Vault URI format, expected vault://host:port/<mount>/<key>")
	}
	mount := strings.Join(parts[:len(parts)-1], "/")
	keyName := parts[len(parts)-1]

	query := u.Query()
	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}

	cfg := VaultTransitConfig{
		ID:      id,
		Address: fmt.Sprintf("%s://%s", scheme, u.Host),
		Mount:   mount,
		KeyName: keyName,
	}
	if name := query.Get("token-env"); name != "" {
		cfg.Token = f.getenv(name)
	}
	if timeout := query.Get("timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Timeout = d
	}

	return NewVaultTransitProvider(cfg, f.log)
}
