package providers

import (
	"strings"
	"testing"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(env map[string]string) *ProviderFactory {
	f := NewProviderFactory(testLogger)
	f.getenv = func(name string) string { return env[name] }
	return f
}

func TestProviderFactory_ProviderFor(t *testing.T) {
	f := newTestFactory(map[string]string{
		"LOCAL_KEY":   strings.Repeat("ab", LocalKeySize),
		"LOCAL_PASS":  "correct horse",
		"VAULT_TOKEN": "s.token",
	})

	tests := []struct {
		name     string
		id       interfaces.ProviderID
		uri      string
		wantErr  bool
		wantName string
	}{
		{"aws kms", interfaces.RemotePrimary, "awskms://alias/custody?region=eu-west-1", false, "awskms-alias/custody"},
		{"aws kms arn", interfaces.RemotePrimary, "awskms://?key=arn:aws:kms:us-east-1:111122223333:key/abcd&region=us-east-1", false, "awskms-arn:aws:kms:us-east-1:111122223333:key/abcd"},
		{"local hex key", interfaces.LocalSymmetric, "local://?key-env=LOCAL_KEY", false, ""},
		{"local passphrase", interfaces.LocalSymmetric, "local://?passphrase-env=LOCAL_PASS&salt=" + strings.Repeat("01", 16), false, ""},
		{"vault transit", interfaces.RemoteSecondary, "vault://vault.internal:8200/transit/wallet-shares?token-env=VAULT_TOKEN", false, "vault-transit-wallet-shares"},
		{"vault nested mount", interfaces.RemoteSecondary, "vault://vault.internal:8200/ops/transit/shares?scheme=http", false, "vault-ops/transit-shares"},
		{"vault missing key", interfaces.RemoteSecondary, "vault://vault.internal:8200/transit", true, ""},
		{"local missing env", interfaces.LocalSymmetric, "local://?key-env=MISSING", true, ""},
		{"local bad salt", interfaces.LocalSymmetric, "local://?passphrase-env=LOCAL_PASS&salt=zz", true, ""},
		{"unknown scheme", interfaces.RemotePrimary, "hsm://slot/1", true, ""},
		{"unknown slot", interfaces.ProviderID("tertiary"), "local://?key-env=LOCAL_KEY", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.ProviderFor(tt.id, tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, p.ID())
			if tt.wantName != "" {
				assert.Equal(t, tt.wantName, p.Name())
			}
		})
	}
}

func TestProviderFactory_CreateCodec(t *testing.T) {
	f := newTestFactory(map[string]string{"LOCAL_KEY": strings.Repeat("cd", LocalKeySize)})

	uris := map[interfaces.ProviderID]string{
		interfaces.RemotePrimary:   "awskms://alias/primary?region=us-east-1",
		interfaces.LocalSymmetric:  "local://?key-env=LOCAL_KEY",
		interfaces.RemoteSecondary: "vault://127.0.0.1:8200/transit/shares?scheme=http",
	}
	codec, err := f.CreateCodec(uris, time.Second)
	require.NoError(t, err)
	assert.Len(t, codec.Providers(), 3)

	delete(uris, interfaces.RemoteSecondary)
	_, err = f.CreateCodec(uris, time.Second)
	assert.ErrorContains(t, err, "remote-secondary")
}
