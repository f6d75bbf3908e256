package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/ruteri/key-custody-backend/interfaces"
)

// Claims is the payload of a custody bearer token.
type Claims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Email    string `json:"email,omitempty"`
	WalletID string `json:"wallet,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
}

// identityValue is the raw identity compared against the binding table.
func (c Claims) identityValue() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// JWSAuthorizer verifies EdDSA-signed compact JWS bearer tokens issued by a
// trusted identity service. A token authorizes a wallet when it is unexpired,
// its wallet claim (if any) names the wallet, and the hash of its email (or
// subject) equals the wallet's bound identity hash.
type JWSAuthorizer struct {
	issuerKeys []ed25519.PublicKey
	bindings   *BindingTable
	now        func() time.Time
	log        *slog.Logger
}

// NewJWSAuthorizer creates an authorizer accepting tokens signed by any of issuerKeys.
func NewJWSAuthorizer(issuerKeys []ed25519.PublicKey, bindings *BindingTable, log *slog.Logger) (*JWSAuthorizer, error) {
	if len(issuerKeys) == 0 {
		return nil, errors.New("at least one issuer key is required")
	}
	for _, key := range issuerKeys {
		if len(key) != ed25519.PublicKeySize {
			return nil, errors.New("invalid issuer key")
		}
	}
	return &JWSAuthorizer{
		issuerKeys: issuerKeys,
		bindings:   bindings,
		now:        time.Now,
		log:        log,
	}, nil
}

// Authorize verifies caller as a bearer token for walletID. Malformed,
// forged or expired tokens are refusals, not errors.
func (a *JWSAuthorizer) Authorize(ctx context.Context, walletID string, caller interfaces.Identity) (bool, error) {
	claims, err := a.Verify(string(caller))
	if err != nil {
		a.log.Debug("Rejected bearer token", slog.String("wallet_id", walletID), "err", err)
		return false, nil
	}
	if claims.WalletID != "" && claims.WalletID != walletID {
		a.log.Debug("Bearer token issued for another wallet", slog.String("wallet_id", walletID))
		return false, nil
	}
	return a.bindings.Matches(walletID, HashIdentity(claims.identityValue())), nil
}

// Verify checks the token signature and expiry and returns its claims.
func (a *JWSAuthorizer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("token is missing")
	}

	object, err := jose.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("invalid JWS message: %w", err)
	}
	if len(object.Signatures) != 1 || object.Signatures[0].Header.Algorithm != string(jose.EdDSA) {
		return nil, errors.New("unsupported JWS signature")
	}

	var payload []byte
	for _, key := range a.issuerKeys {
		if payload, err = object.Verify(key); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("failed to verify JWS message")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWS payload: %w", err)
	}
	if claims.Expiry == 0 {
		return nil, errors.New("exp missing")
	}
	if claims.Expiry < a.now().Unix() {
		return nil, errors.New("token expired")
	}
	if claims.identityValue() == "" {
		return nil, errors.New("sub missing")
	}
	return &claims, nil
}

// IssueToken signs claims for subject with the issuer key. An empty walletID
// issues a token valid for any wallet bound to subject.
func IssueToken(issuerKey ed25519.PrivateKey, subject, walletID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Issuer:   "custody-identity",
		Subject:  subject,
		WalletID: walletID,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(ttl).Unix(),
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: issuerKey}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	object, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return object.CompactSerialize()
}
