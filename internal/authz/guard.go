package authz

import (
	"context"
)

// ensureRetainsOwner enforces the owner-safety invariant inside an open
// transaction: after the pending mutation strips OWNER from the given
// principals, the key must still carry at least one USER-type ace granting
// exactly {OWNER}. Runs against locked rows so the count cannot interleave
// with a concurrent owner removal; fails closed before anything is mutated.
func ensureRetainsOwner(ctx context.Context, tx TxRepository, keys []AclKey, losing []Principal) error {
	users := make([]Principal, 0, len(losing))
	for _, p := range losing {
		if p.Type == PrincipalUser {
			users = append(users, p)
		}
	}
	// Only USER principals can satisfy the invariant, so only their removal
	// can threaten it.
	if len(users) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := tx.LockKey(ctx, key); err != nil {
			return err
		}
		count, err := tx.CountSafeOwners(ctx, key, users)
		if err != nil {
			return err
		}
		if count == 0 {
			return &OwnershipError{Key: key}
		}
	}
	return nil
}
