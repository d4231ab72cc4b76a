package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPrincipal rejects a mutation that names a principal the
	// directory cannot resolve. Bulk mutations fail as a whole.
	ErrUnknownPrincipal = errors.New("authz: unknown principal")

	// ErrOwnershipViolation rejects any mutation that would strip the last
	// USER-type owner from a securable object.
	ErrOwnershipViolation = errors.New("authz: object must retain at least one user owner")

	// ErrPartialRead indicates a malformed store read during concurrent
	// fan-out. Callers retry the affected key; it is never folded into a
	// "no permission" answer.
	ErrPartialRead = errors.New("authz: partial read")
)

// OwnershipError carries the key whose last owner would have been removed.
type OwnershipError struct {
	Key AclKey
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("authz: object %s must retain at least one user owner", e.Key)
}

func (e *OwnershipError) Unwrap() error { return ErrOwnershipViolation }
