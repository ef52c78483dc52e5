package authgate

import (
	"errors"

	"btrproxy/internal/store"
)

// ErrLastAdminKey guards base §4.8 step 6: the last active admin key cannot be
// removed while any active non-admin key remains, or those keys would be left
// with no admin to manage them.
var ErrLastAdminKey = errors.New("cannot remove the last active admin key")

// AdminKeyCounter is the narrow Store capability the safeguard needs.
type AdminKeyCounter interface {
	CountActiveAdminKeys() (int, error)
	CountActiveApiKeys() (int, error)
}

// GuardLastAdminKey returns ErrLastAdminKey if removing or demoting a key
// with the given role would strand active non-admin keys with no admin left
// to manage them. Callers should invoke this before deleting, deactivating,
// or role-downgrading an api_key row.
//
// The last admin key is only blocked from removal "while any non-admin key
// exists" (base §4.8 step 6): if no non-admin keys are active, removing it
// drops the system to zero active keys, which is the valid state step 2's
// "no active inbound API keys exist, allow" relies on, not a lockout.
func GuardLastAdminKey(counter AdminKeyCounter, targetRole store.ApiKeyRole) error {
	if targetRole != store.RoleAdmin {
		return nil
	}
	admins, err := counter.CountActiveAdminKeys()
	if err != nil {
		return err
	}
	if admins > 1 {
		return nil
	}
	total, err := counter.CountActiveApiKeys()
	if err != nil {
		return err
	}
	if total > admins {
		return ErrLastAdminKey
	}
	return nil
}
