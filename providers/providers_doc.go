// Package providers implements the custody providers that encrypt wallet key
// shares, and the Codec that routes each share to its provider.
//
// Three independent backends serve the three share slots:
//
//   - remote-primary: AWS KMS (AWSKMSProvider)
//   - local-symmetric: XChaCha20-Poly1305 under a local key (LocalAEADProvider)
//   - remote-secondary: HashiCorp Vault transit engine (VaultTransitProvider)
//
// Any backend can be bound to any slot through ProviderFactory, but every
// slot needs its own provider: compromising or losing one of them must not
// expose or deny the secret.
//
// Provider errors wrap interfaces.ErrProviderUnavailable when the backend
// could not serve the request and interfaces.ErrDecryptionFailed when it
// rejected the ciphertext. Error messages never include share or ciphertext bytes.
package providers
