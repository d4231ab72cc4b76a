package authz

import (
	"context"
	"strings"
	"time"
)

// AncestorSource resolves the direct parents of a principal in the nesting
// hierarchy (which roles or organizations contain it).
type AncestorSource interface {
	DirectAncestors(ctx context.Context, p Principal) ([]Principal, error)
}

// Explainer reconstructs every nesting chain through which a principal
// ultimately receives access to an object. Diagnostics only: authorization
// decisions never consult it.
type Explainer struct {
	cache     *AclCache
	ancestors AncestorSource
	now       func() time.Time
}

// NewExplainer constructs an explainer over the given acl source and
// hierarchy.
func NewExplainer(cache *AclCache, ancestors AncestorSource) *Explainer {
	return &Explainer{cache: cache, ancestors: ancestors, now: func() time.Time { return time.Now().UTC() }}
}

// ExplainAccess returns, for every principal appearing in any nesting chain
// rooted at a directly granted non-USER principal on the object, the
// complete set of chains by which it is reached. Each chain starts at a
// directly granted, unexpired principal; a principal never repeats within
// one chain, which bounds the walk on cyclic hierarchies.
func (x *Explainer) ExplainAccess(ctx context.Context, key AclKey) (map[Principal][][]Principal, error) {
	aces, err := x.cache.Aces(ctx, key)
	if err != nil {
		return nil, err
	}

	paths := make(map[Principal]map[string][]Principal)
	addPath := func(p Principal, path []Principal) bool {
		if paths[p] == nil {
			paths[p] = make(map[string][]Principal)
		}
		sig := pathSignature(path)
		if _, ok := paths[p][sig]; ok {
			return false
		}
		paths[p][sig] = path
		return true
	}

	now := x.now()
	var frontier []Principal
	for _, ace := range aces {
		if ace.Principal.Type == PrincipalUser || ace.Expired(now) {
			continue
		}
		if addPath(ace.Principal, []Principal{ace.Principal}) {
			frontier = append(frontier, ace.Principal)
		}
	}

	for len(frontier) > 0 {
		var next []Principal
		for _, current := range frontier {
			parents, err := x.ancestors.DirectAncestors(ctx, current)
			if err != nil {
				return nil, err
			}
			for _, parent := range parents {
				if parent == current {
					continue
				}
				grew := false
				for _, path := range snapshotPaths(paths[current]) {
					if containsPrincipal(path, parent) {
						continue
					}
					extended := make([]Principal, len(path)+1)
					copy(extended, path)
					extended[len(path)] = parent
					if addPath(parent, extended) {
						grew = true
					}
				}
				if grew {
					next = append(next, parent)
				}
			}
		}
		frontier = next
	}

	result := make(map[Principal][][]Principal, len(paths))
	for p, bySig := range paths {
		chains := make([][]Principal, 0, len(bySig))
		for _, path := range bySig {
			chains = append(chains, path)
		}
		result[p] = chains
	}
	return result, nil
}

func pathSignature(path []Principal) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = p.String()
	}
	return strings.Join(parts, "->")
}

func containsPrincipal(path []Principal, p Principal) bool {
	for _, member := range path {
		if member == p {
			return true
		}
	}
	return false
}

func snapshotPaths(bySig map[string][]Principal) [][]Principal {
	out := make([][]Principal, 0, len(bySig))
	for _, path := range bySig {
		out = append(out, path)
	}
	return out
}
