package identity

import (
	"context"

	"github.com/ruteri/key-custody-backend/interfaces"
)

// StaticAuthorizer treats the caller identity as an already verified raw
// identity (e.g. an email address vouched for by a fronting proxy) and
// checks it against the binding table.
type StaticAuthorizer struct {
	bindings *BindingTable
}

// NewStaticAuthorizer creates an authorizer over bindings.
func NewStaticAuthorizer(bindings *BindingTable) *StaticAuthorizer {
	return &StaticAuthorizer{bindings: bindings}
}

// Authorize reports whether caller is the identity bound to walletID.
func (a *StaticAuthorizer) Authorize(ctx context.Context, walletID string, caller interfaces.Identity) (bool, error) {
	if caller == "" {
		return false, nil
	}
	return a.bindings.Matches(walletID, HashIdentity(string(caller))), nil
}
