package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/key-custody-backend/interfaces"
)

// encryptionContextKey binds every ciphertext to the provider slot that produced it.
const encryptionContextKey = "custody-provider"

// AWSKMSConfig configures an AWSKMSProvider.
type AWSKMSConfig struct {
	ID       interfaces.ProviderID
	KeyID    string
	Region   string
	Endpoint string
	// AccessKey and SecretKey are optional static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// AWSKMSProvider encrypts shares with an AWS KMS symmetric key. Ciphertexts
// are opaque KMS blobs verified by the service on decrypt.
type AWSKMSProvider struct {
	id     interfaces.ProviderID
	keyID  string
	client kmsiface.KMSAPI
	log    *slog.Logger
}

// NewAWSKMSProvider creates a provider with its own AWS session.
func NewAWSKMSProvider(cfg AWSKMSConfig, log *slog.Logger) (*AWSKMSProvider, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("aws kms provider: key id is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewAWSKMSProviderWithClient(cfg.ID, cfg.KeyID, kms.New(sess), log), nil
}

// NewAWSKMSProviderWithClient creates a provider over an existing KMS client.
func NewAWSKMSProviderWithClient(id interfaces.ProviderID, keyID string, client kmsiface.KMSAPI, log *slog.Logger) *AWSKMSProvider {
	if id == "" {
		id = interfaces.RemotePrimary
	}
	return &AWSKMSProvider{
		id:     id,
		keyID:  keyID,
		client: client,
		log:    log,
	}
}

// Encrypt encrypts plaintext under the configured KMS key.
func (p *AWSKMSProvider) Encrypt(ctx context.Context, plaintext []byte) (interfaces.EncryptedShare, error) {
	start := time.Now()
	out, err := p.client.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:             aws.String(p.keyID),
		Plaintext:         plaintext,
		EncryptionContext: p.encryptionContext(),
	})
	if err != nil {
		p.log.Warn("KMS encrypt failed", slog.String("provider", p.id.String()), "err", err)
		return interfaces.EncryptedShare{}, classifyAWSError(err)
	}

	p.log.Debug("KMS encrypt succeeded",
		slog.String("provider", p.id.String()),
		slog.Duration("duration", time.Since(start)))

	return interfaces.EncryptedShare{
		Provider:   p.id,
		Ciphertext: out.CiphertextBlob,
	}, nil
}

// Decrypt asks KMS to decrypt a share produced by Encrypt.
func (p *AWSKMSProvider) Decrypt(ctx context.Context, share interfaces.EncryptedShare) ([]byte, error) {
	if share.Provider != p.id {
		return nil, fmt.Errorf("%w: share belongs to %s", interfaces.ErrDecryptionFailed, share.Provider)
	}

	start := time.Now()
	out, err := p.client.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:             aws.String(p.keyID),
		CiphertextBlob:    share.Ciphertext,
		EncryptionContext: p.encryptionContext(),
	})
	if err != nil {
		p.log.Warn("KMS decrypt failed", slog.String("provider", p.id.String()), "err", err)
		return nil, classifyAWSError(err)
	}

	p.log.Debug("KMS decrypt succeeded",
		slog.String("provider", p.id.String()),
		slog.Duration("duration", time.Since(start)))

	return out.Plaintext, nil
}

// ID returns the provider slot.
func (p *AWSKMSProvider) ID() interfaces.ProviderID {
	return p.id
}

// Name returns identifier for logging.
func (p *AWSKMSProvider) Name() string {
	return fmt.Sprintf("awskms-%s", p.keyID)
}

func (p *AWSKMSProvider) encryptionContext() map[string]*string {
	return map[string]*string{
		encryptionContextKey: aws.String(p.id.String()),
	}
}

// classifyAWSError maps KMS rejections of the ciphertext to ErrDecryptionFailed
// and everything else (throttling, network, disabled key) to ErrProviderUnavailable.
// Only the AWS error code is kept.
func classifyAWSError(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", interfaces.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: request failed", interfaces.ErrProviderUnavailable)
	}

	switch aerr.Code() {
	case kms.ErrCodeInvalidCiphertextException,
		kms.ErrCodeIncorrectKeyException,
		kms.ErrCodeInvalidKeyUsageException:
		return fmt.Errorf("%w: %s", interfaces.ErrDecryptionFailed, aerr.Code())
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrProviderUnavailable, aerr.Code())
	}
}
