/*
Package httpserver serves the wallet custody API.

# Endpoints

  - POST /api/wallets/{wallet_id} - Create a wallet bound to an identity hash
  - GET /api/wallets/{wallet_id}/pubkey - Public key of the active signing key
  - POST /api/wallets/{wallet_id}/sign - Sign the request body (Bearer token required)
  - POST /api/wallets/{wallet_id}/rotate - Rotate the signing key (Bearer token required)
  - GET /livez - Liveness check
  - GET /readyz - Readiness check: fails while draining or while a dependency is unreachable
  - POST /drain - Mark server as not ready ahead of a shutdown
  - POST /undrain - Mark server as ready

Server.Run drains on its own when its context ends: /readyz fails for the
drain duration before the listeners close.

# Errors

Failures are returned as {"error": "<class>"} where class is one of the custody
error classes. Status codes:

  - 401 IdentityUnauthorized
  - 404 RecordNotFound
  - 409 WalletExists, ConcurrentRotationConflict
  - 502 ExternalTransitionFailed, RotationUnsettled
  - 503 IntegrityMismatch, InsufficientShares, DecryptionFailed, ProviderUnavailable

Provider names and failure detail are logged, never returned.
*/
package httpserver
