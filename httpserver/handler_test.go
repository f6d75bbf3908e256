package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/key-custody-backend/custody"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockCustody struct {
	mock.Mock
}

func (m *mockCustody) CreateWallet(ctx context.Context, walletID string, identityHash []byte) (ed25519.PublicKey, error) {
	args := m.Called(walletID, identityHash)
	pub, _ := args.Get(0).(ed25519.PublicKey)
	return pub, args.Error(1)
}

func (m *mockCustody) Sign(ctx context.Context, walletID string, caller interfaces.Identity, payload []byte) ([]byte, error) {
	args := m.Called(walletID, caller, payload)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

func (m *mockCustody) PublicKey(ctx context.Context, walletID string) ([]byte, error) {
	args := m.Called(walletID)
	pub, _ := args.Get(0).([]byte)
	return pub, args.Error(1)
}

func (m *mockCustody) Rotate(ctx context.Context, walletID string, caller interfaces.Identity) (*custody.RotationResult, error) {
	args := m.Called(walletID, caller)
	result, _ := args.Get(0).(*custody.RotationResult)
	return result, args.Error(1)
}

func newTestServer(t *testing.T) (*Server, *mockCustody) {
	m := new(mockCustody)
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(m, m, m, testLogger))
	require.NoError(t, err)
	return srv, m
}

func do(t *testing.T, srv *Server, method, path string, body []byte, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestHandleCreate(t *testing.T) {
	srv, m := newTestServer(t)
	pub := ed25519.PublicKey(bytes.Repeat([]byte{7}, 32))
	identityHash := bytes.Repeat([]byte{1}, 32)
	m.On("CreateWallet", "w1", identityHash).Return(pub, nil).Once()
	m.On("CreateWallet", "w1", identityHash).Return(nil, interfaces.ErrWalletExists).Once()

	body := []byte(fmt.Sprintf(`{"identity_hash":"%x"}`, identityHash))
	rr, resp := do(t, srv, http.MethodPost, "/api/wallets/w1", body, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, hex.EncodeToString(pub), resp["public_key"])

	rr, resp = do(t, srv, http.MethodPost, "/api/wallets/w1", body, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "WalletExists", resp["error"])

	rr, _ = do(t, srv, http.MethodPost, "/api/wallets/w1", []byte(`{"identity_hash":"zz"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	m.AssertExpectations(t)
}

func TestHandleSign(t *testing.T) {
	srv, m := newTestServer(t)
	payload := []byte("transfer")
	sig := bytes.Repeat([]byte{9}, 64)
	m.On("Sign", "w1", interfaces.Identity("token"), payload).Return(sig, nil)
	m.On("Sign", "w1", interfaces.Identity(""), payload).Return(nil, interfaces.ErrIdentityUnauthorized)

	rr, resp := do(t, srv, http.MethodPost, "/api/wallets/w1/sign", payload, map[string]string{"Authorization": "Bearer token"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, hex.EncodeToString(sig), resp["signature"])

	rr, resp = do(t, srv, http.MethodPost, "/api/wallets/w1/sign", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "IdentityUnauthorized", resp["error"])

	rr, _ = do(t, srv, http.MethodPost, "/api/wallets/w1/sign", nil, map[string]string{"Authorization": "Bearer token"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRotate(t *testing.T) {
	srv, m := newTestServer(t)
	newPub := bytes.Repeat([]byte{3}, 32)
	m.On("Rotate", "w1", interfaces.Identity("token")).Return(&custody.RotationResult{
		WalletID:     "w1",
		RecordID:     "r2",
		PreviousID:   "r1",
		NewPublicKey: newPub,
		Counter:      4,
	}, nil)

	rr, resp := do(t, srv, http.MethodPost, "/api/wallets/w1/rotate", nil, map[string]string{"Authorization": "Bearer token"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, hex.EncodeToString(newPub), resp["public_key"])
	assert.Equal(t, "r2", resp["record_id"])
	assert.Equal(t, float64(4), resp["counter"])
}

func TestHandlePublicKey(t *testing.T) {
	srv, m := newTestServer(t)
	pub := bytes.Repeat([]byte{5}, 32)
	m.On("PublicKey", "w1").Return(pub, nil)
	m.On("PublicKey", "missing").Return(nil, interfaces.ErrRecordNotFound)

	rr, resp := do(t, srv, http.MethodGet, "/api/wallets/w1/pubkey", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, hex.EncodeToString(pub), resp["public_key"])

	rr, resp = do(t, srv, http.MethodGet, "/api/wallets/missing/pubkey", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "RecordNotFound", resp["error"])
}

func TestErrorResponsesHideDetail(t *testing.T) {
	tests := []struct {
		err    error
		status int
		class  string
	}{
		{fmt.Errorf("%w: remote-primary: key disabled in arn:aws:kms:...", interfaces.ErrProviderUnavailable), http.StatusServiceUnavailable, "ProviderUnavailable"},
		{&interfaces.ReconstructionError{Err: interfaces.ErrIntegrityMismatch}, http.StatusServiceUnavailable, "IntegrityMismatch"},
		{&interfaces.ReconstructionError{Err: interfaces.ErrInsufficientShares}, http.StatusServiceUnavailable, "InsufficientShares"},
		{fmt.Errorf("%w: reverted", interfaces.ErrExternalTransitionFailed), http.StatusBadGateway, "ExternalTransitionFailed"},
		{interfaces.ErrConcurrentRotationConflict, http.StatusConflict, "ConcurrentRotationConflict"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			srv, m := newTestServer(t)
			m.On("Rotate", "w1", interfaces.Identity("token")).Return(nil, tt.err)

			rr, resp := do(t, srv, http.MethodPost, "/api/wallets/w1/rotate", nil, map[string]string{"Authorization": "Bearer token"})
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, map[string]any{"error": tt.class}, resp)
		})
	}
}

func TestHealth_Drain(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", resp["status"])

	_, resp = do(t, srv, http.MethodPost, "/drain", nil, nil)
	assert.Equal(t, "draining", resp["status"])
	_, resp = do(t, srv, http.MethodPost, "/drain", nil, nil)
	assert.Equal(t, "already draining", resp["status"])

	rr, resp = do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "draining", resp["status"])

	rr, _ = do(t, srv, http.MethodGet, "/livez", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = do(t, srv, http.MethodGet, "/drain", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	_, resp = do(t, srv, http.MethodPost, "/undrain", nil, nil)
	assert.Equal(t, "ready", resp["status"])
	rr, _ = do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealth_Dependencies(t *testing.T) {
	var storeErr error
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger,
		GracefulShutdownDuration: time.Second,
		Dependencies: map[string]DependencyCheck{
			"store":  func(ctx context.Context) error { return storeErr },
			"ledger": func(ctx context.Context) error { return nil },
		},
	}, NewHandler(new(mockCustody), new(mockCustody), new(mockCustody), testLogger))
	require.NoError(t, err)

	rr, _ := do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	storeErr = errors.New("connection refused")
	rr, resp := do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not ready", resp["status"])
	assert.Equal(t, []any{"store"}, resp["failing"])
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

func TestServer_RunDrainsBeforeShutdown(t *testing.T) {
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger,
		DrainDuration:            300 * time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(new(mockCustody), new(mockCustody), new(mockCustody), testLogger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	rr, _ := do(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	cancel()
	require.Eventually(t, func() bool {
		rr, _ := do(t, srv, http.MethodGet, "/readyz", nil, nil)
		return rr.Code == http.StatusServiceUnavailable
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
