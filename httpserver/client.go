package httpserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ruteri/key-custody-backend/interfaces"
)

var classErrors = map[string]error{}

func init() {
	for _, err := range []error{
		interfaces.ErrIdentityUnauthorized,
		interfaces.ErrRecordNotFound,
		interfaces.ErrWalletExists,
		interfaces.ErrConcurrentRotationConflict,
		interfaces.ErrExternalTransitionFailed,
		interfaces.ErrRotationUnsettled,
		interfaces.ErrIntegrityMismatch,
		interfaces.ErrInsufficientShares,
		interfaces.ErrDecryptionFailed,
		interfaces.ErrProviderUnavailable,
	} {
		classErrors[interfaces.ErrorClass(err)] = err
	}
}

// Client calls the custody API. Errors returned by the server unwrap to the
// matching interfaces sentinel.
type Client struct {
	// ServerAddr is the base URL of the custody server
	ServerAddr string

	// Token is sent as the bearer identity on sign and rotate
	Token string

	HTTPClient *http.Client
}

// RotateResponse is the result of a rotation as reported by the server.
type RotateResponse struct {
	PublicKey []byte
	RecordID  string
	Counter   uint64
}

func (c *Client) CreateWallet(ctx context.Context, walletID string, identityHash []byte) ([]byte, error) {
	body, err := json.Marshal(createRequest{IdentityHash: hex.EncodeToString(identityHash)})
	if err != nil {
		return nil, err
	}

	var resp walletResponse
	if err := c.do(ctx, http.MethodPost, c.walletURL(walletID, ""), body, false, &resp); err != nil {
		return nil, err
	}
	return hex.DecodeString(resp.PublicKey)
}

func (c *Client) PublicKey(ctx context.Context, walletID string) ([]byte, error) {
	var resp walletResponse
	if err := c.do(ctx, http.MethodGet, c.walletURL(walletID, "/pubkey"), nil, false, &resp); err != nil {
		return nil, err
	}
	return hex.DecodeString(resp.PublicKey)
}

func (c *Client) Sign(ctx context.Context, walletID string, payload []byte) ([]byte, error) {
	var resp signResponse
	if err := c.do(ctx, http.MethodPost, c.walletURL(walletID, "/sign"), payload, true, &resp); err != nil {
		return nil, err
	}
	return hex.DecodeString(resp.Signature)
}

func (c *Client) Rotate(ctx context.Context, walletID string) (*RotateResponse, error) {
	var resp walletResponse
	if err := c.do(ctx, http.MethodPost, c.walletURL(walletID, "/rotate"), nil, true, &resp); err != nil {
		return nil, err
	}

	pub, err := hex.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse rotation response: %w", err)
	}
	result := &RotateResponse{PublicKey: pub, RecordID: resp.RecordID}
	if resp.Counter != nil {
		result.Counter = *resp.Counter
	}
	return result, nil
}

func (c *Client) walletURL(walletID, suffix string) string {
	return fmt.Sprintf("%s/api/wallets/%s%s", c.ServerAddr, url.PathEscape(walletID), suffix)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, authenticated bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if authenticated && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if json.Unmarshal(bodyBytes, &errResp) == nil {
			if known, ok := classErrors[errResp.Error]; ok {
				return fmt.Errorf("custody server returned %d: %w", resp.StatusCode, known)
			}
		}
		return fmt.Errorf("custody server returned error %d: %s", resp.StatusCode, bytes.TrimSpace(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
