// Package ledger connects the custody service to the contract that records
// each wallet's owner public key and rotation nonce.
//
// RPCClient calls a ledger gateway over JSON-RPC. MockLedger is an in-memory
// implementation enforcing the same contract rules, and Service exposes any
// Ledger over JSON-RPC so both can be wired end to end in tests and
// development setups.
//
// An ownership transition is accepted when
//
//	ed25519.Verify(owner, "update_owner" || newOwner || nonce_be64, signature)
//
// holds, newOwner is neither all-zero nor the current owner, and the nonce
// then increments by one.
package ledger
