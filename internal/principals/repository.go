package principals

import (
	"context"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// Repository is the relational store behind the directory and the
// adjacency lists of the nesting graph. Closure queries are issued one
// layer at a time; the repository only answers direct-edge questions.
type Repository interface {
	Insert(ctx context.Context, sp SecurablePrincipal) error
	GetByPrincipal(ctx context.Context, p authz.Principal) (SecurablePrincipal, error)
	GetByKey(ctx context.Context, key authz.AclKey) (SecurablePrincipal, error)
	Exists(ctx context.Context, p authz.Principal) (bool, error)
	Delete(ctx context.Context, p authz.Principal) error

	AddEdge(ctx context.Context, parent, child authz.AclKey) error
	RemoveEdge(ctx context.Context, parent, child authz.AclKey) error
	// RemoveEdgesFor drops every edge touching the key, both directions.
	RemoveEdgesFor(ctx context.Context, key authz.AclKey) error
	HasEdge(ctx context.Context, parent, child authz.AclKey) (bool, error)

	// ParentsOf returns the principals holding any of the given keys as a
	// direct child. One call per traversal layer.
	ParentsOf(ctx context.Context, childIndexes []string) ([]SecurablePrincipal, error)
	// ChildrenOf is the downward counterpart.
	ChildrenOf(ctx context.Context, parentIndexes []string) ([]SecurablePrincipal, error)
}
