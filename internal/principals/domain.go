// Package principals owns the securable-principal directory and the
// principal nesting hierarchy: which roles contain which users, which
// organizations contain which roles. Nesting is traversed for closure
// queries only; it never confers permission inheritance.
package principals

import (
	"errors"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

var (
	// ErrNotFound indicates the requested principal does not exist.
	ErrNotFound = errors.New("principals: not found")
	// ErrAlreadyExists rejects re-registration of an existing principal.
	ErrAlreadyExists = errors.New("principals: already exists")
	// ErrSelfReference rejects nesting a principal under itself.
	ErrSelfReference = errors.New("principals: principal cannot contain itself")
)

// SecurablePrincipal is a principal that is itself addressable as a
// securable object, so roles and organizations carry their own acls.
type SecurablePrincipal struct {
	Principal   authz.Principal `json:"principal"`
	Key         authz.AclKey    `json:"acl_key"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
}
