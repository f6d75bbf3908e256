// Package identity decides whether a caller may act on a wallet.
//
// Wallets are bound to the SHA-256 hash of a normalized identity (usually an
// email address) in a BindingTable. Two authorizers check callers against it:
// StaticAuthorizer for identities verified upstream, and JWSAuthorizer for
// EdDSA-signed bearer tokens issued by a trusted identity service.
//
// Authorizers fail closed: anything that cannot be verified is a refusal.
package identity
