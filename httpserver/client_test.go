package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/key-custody-backend/custody"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	srv, m := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	client := &Client{ServerAddr: ts.URL, Token: "token"}

	pub := ed25519.PublicKey(bytes.Repeat([]byte{7}, 32))
	identityHash := bytes.Repeat([]byte{1}, 32)
	m.On("CreateWallet", "w1", identityHash).Return(pub, nil)
	m.On("PublicKey", "w1").Return([]byte(pub), nil)
	m.On("Sign", "w1", interfaces.Identity("token"), []byte("payload")).Return(bytes.Repeat([]byte{9}, 64), nil)
	m.On("Rotate", "w1", interfaces.Identity("token")).Return(&custody.RotationResult{
		RecordID:     "r2",
		NewPublicKey: bytes.Repeat([]byte{3}, 32),
		Counter:      1,
	}, nil)

	created, err := client.CreateWallet(ctx, "w1", identityHash)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), created)

	got, err := client.PublicKey(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), got)

	sig, err := client.Sign(ctx, "w1", []byte("payload"))
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	rotated, err := client.Rotate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "r2", rotated.RecordID)
	assert.Equal(t, uint64(1), rotated.Counter)
	assert.Equal(t, bytes.Repeat([]byte{3}, 32), rotated.PublicKey)
}

func TestClient_Errors(t *testing.T) {
	srv, m := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	m.On("Rotate", "w1", interfaces.Identity("")).Return(nil, interfaces.ErrIdentityUnauthorized)
	m.On("Rotate", "w1", interfaces.Identity("token")).Return(nil, &interfaces.ReconstructionError{Err: interfaces.ErrInsufficientShares})

	_, err := (&Client{ServerAddr: ts.URL}).Rotate(ctx, "w1")
	assert.ErrorIs(t, err, interfaces.ErrIdentityUnauthorized)

	_, err = (&Client{ServerAddr: ts.URL, Token: "token"}).Rotate(ctx, "w1")
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)

	_, err = (&Client{ServerAddr: ts.URL}).Sign(ctx, "w1", nil)
	require.Error(t, err, "empty payloads are rejected before reaching the service")
	assert.Contains(t, err.Error(), "400")
}
