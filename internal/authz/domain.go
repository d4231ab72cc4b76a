// Package authz implements the ACL engine: the durable permission store,
// the authorization evaluator, the owner-safety guard and the access-path
// explainer. Permissions are explicit grants; nothing is inherited through
// the securable-object hierarchy.
package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrincipalType classifies an identity that can hold permissions.
type PrincipalType string

const (
	PrincipalUser         PrincipalType = "USER"
	PrincipalRole         PrincipalType = "ROLE"
	PrincipalOrganization PrincipalType = "ORGANIZATION"
)

// Principal is an identity that can hold permissions. It is a value type,
// globally unique by (Type, ID), and usable as a map key.
type Principal struct {
	Type PrincipalType `json:"type"`
	ID   string        `json:"id"`
}

// Less orders principals by type then id for deterministic set iteration.
func (p Principal) Less(other Principal) bool {
	if p.Type != other.Type {
		return p.Type < other.Type
	}
	return p.ID < other.ID
}

func (p Principal) String() string {
	return string(p.Type) + ":" + p.ID
}

// SortPrincipals sorts in place and returns the slice.
func SortPrincipals(principals []Principal) []Principal {
	sort.Slice(principals, func(i, j int) bool { return principals[i].Less(principals[j]) })
	return principals
}

// Permission is one capability out of the fixed set the engine understands.
type Permission uint8

const (
	PermissionDiscover Permission = iota
	PermissionLink
	PermissionRead
	PermissionWrite
	PermissionIntegrate
	PermissionOwner

	numPermissions
)

var permissionNames = [numPermissions]string{
	"DISCOVER", "LINK", "READ", "WRITE", "INTEGRATE", "OWNER",
}

func (p Permission) String() string {
	if p >= numPermissions {
		return fmt.Sprintf("PERMISSION(%d)", uint8(p))
	}
	return permissionNames[p]
}

// ParsePermission maps the textual capability name stored in the
// system-of-record back to its enum value.
func ParsePermission(s string) (Permission, error) {
	for i, name := range permissionNames {
		if name == s {
			return Permission(i), nil
		}
	}
	return 0, fmt.Errorf("authz: unknown permission %q", s)
}

// PermissionSet is a bitmask over the permission enum. Equality is
// bit-pattern equality; the zero value is the empty set.
type PermissionSet uint8

// FullPermissionSet holds every capability, granted to creators.
const FullPermissionSet = PermissionSet(1<<numPermissions - 1)

// NewPermissionSet builds a set from individual permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

func (s PermissionSet) With(p Permission) PermissionSet    { return s | 1<<p }
func (s PermissionSet) Without(p Permission) PermissionSet { return s &^ (1 << p) }
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	return s | other
}
func (s PermissionSet) Difference(other PermissionSet) PermissionSet {
	return s &^ other
}
func (s PermissionSet) Intersection(other PermissionSet) PermissionSet {
	return s & other
}
func (s PermissionSet) Contains(p Permission) bool { return s&(1<<p) != 0 }

// ContainsAll reports whether s is a superset of other.
func (s PermissionSet) ContainsAll(other PermissionSet) bool { return s&other == other }

func (s PermissionSet) IsEmpty() bool { return s == 0 }

// Slice returns the member permissions in ordinal order.
func (s PermissionSet) Slice() []Permission {
	perms := make([]Permission, 0, numPermissions)
	for p := Permission(0); p < numPermissions; p++ {
		if s.Contains(p) {
			perms = append(perms, p)
		}
	}
	return perms
}

// Strings returns the sorted textual form used by the permissions table.
func (s PermissionSet) Strings() []string {
	members := s.Slice()
	out := make([]string, len(members))
	for i, p := range members {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

// ParsePermissionSet rebuilds a set from its stored textual form.
func ParsePermissionSet(names []string) (PermissionSet, error) {
	var s PermissionSet
	for _, name := range names {
		p, err := ParsePermission(name)
		if err != nil {
			return 0, err
		}
		s = s.With(p)
	}
	return s, nil
}

func (s PermissionSet) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

// AclKey identifies a securable object as an ordered sequence of UUIDs. The
// last element is the object's own id; the first is commonly the owning
// organization. Equality is by full sequence.
type AclKey []uuid.UUID

// AclKeyIndex is the flattened lookup form of an AclKey, usable as a map
// key. UUID strings joined with "/".
type AclKeyIndex string

// NewAclKey builds a key from its elements.
func NewAclKey(ids ...uuid.UUID) AclKey { return AclKey(ids) }

// Index returns the flattened store-lookup form.
func (k AclKey) Index() AclKeyIndex {
	parts := make([]string, len(k))
	for i, id := range k {
		parts[i] = id.String()
	}
	return AclKeyIndex(strings.Join(parts, "/"))
}

// Strings returns the UUID string elements, for uuid[] binding.
func (k AclKey) Strings() []string {
	parts := make([]string, len(k))
	for i, id := range k {
		parts[i] = id.String()
	}
	return parts
}

// Equal reports full-sequence equality.
func (k AclKey) Equal(other AclKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// Validate rejects empty keys before they reach the store.
func (k AclKey) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("authz: empty acl key")
	}
	return nil
}

func (k AclKey) String() string { return string(k.Index()) }

// ParseAclKeyIndex restores the structural form from a flattened index.
func ParseAclKeyIndex(index AclKeyIndex) (AclKey, error) {
	if index == "" {
		return nil, fmt.Errorf("authz: empty acl key index")
	}
	parts := strings.Split(string(index), "/")
	key := make(AclKey, len(parts))
	for i, part := range parts {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("authz: parse acl key index %q: %w", index, err)
		}
		key[i] = id
	}
	return key, nil
}

// IndexesOf flattens a batch of keys.
func IndexesOf(keys []AclKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k.Index())
	}
	return out
}

// SecurableObjectType classifies what an AclKey refers to. It is metadata,
// never a gate: evaluation proceeds identically for Unknown.
type SecurableObjectType string

const (
	ObjectStudy        SecurableObjectType = "Study"
	ObjectOrganization SecurableObjectType = "Organization"
	ObjectRole         SecurableObjectType = "Role"
	ObjectUser         SecurableObjectType = "User"
	ObjectDataset      SecurableObjectType = "Dataset"
	ObjectUnknown      SecurableObjectType = "Unknown"
)

// NoExpiration is the default expiration for an Ace: effectively never.
var NoExpiration = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Ace is one grant record: a principal and the permissions it holds. An Ace
// whose permission set is empty is semantically absent.
type Ace struct {
	Principal      Principal     `json:"principal"`
	Permissions    PermissionSet `json:"permissions"`
	ExpirationDate time.Time     `json:"expiration_date"`
}

// Expired reports whether the grant has lapsed at the given instant.
func (a Ace) Expired(now time.Time) bool {
	return a.ExpirationDate.Before(now)
}

// Acl is the read projection of all non-empty grants on one object.
type Acl struct {
	Key  AclKey `json:"acl_key"`
	Aces []Ace  `json:"aces"`
}

// AceKey is the compound primary key into the permissions table.
type AceKey struct {
	Key       AclKey
	Principal Principal
}

// Authorization is the result of one access check against one object.
type Authorization struct {
	Key       AclKey        `json:"acl_key"`
	Requested PermissionSet `json:"requested"`
	Granted   bool          `json:"granted"`
}

// AccessCheck is one (object, permissions) pair submitted for evaluation.
type AccessCheck struct {
	Key         AclKey        `json:"acl_key"`
	Permissions PermissionSet `json:"permissions"`
}
