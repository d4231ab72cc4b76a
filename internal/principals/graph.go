package principals

import (
	"context"
	"fmt"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// The nesting graph is stored as adjacency rows and is not guaranteed
// acyclic; every traversal tracks a visited set and terminates when a
// layer yields nothing new.

// AddChild nests child under parent. Both endpoints must already exist as
// securable principals; self-edges are rejected.
func (s *Service) AddChild(ctx context.Context, parent, child authz.AclKey) error {
	if parent.Equal(child) {
		return fmt.Errorf("%w: %s", ErrSelfReference, parent)
	}
	for _, key := range []authz.AclKey{parent, child} {
		if _, err := s.repo.GetByKey(ctx, key); err != nil {
			return err
		}
	}
	return s.repo.AddEdge(ctx, parent, child)
}

// AddChildren nests several children under one parent.
func (s *Service) AddChildren(ctx context.Context, parent authz.AclKey, children []authz.AclKey) error {
	for _, child := range children {
		if err := s.AddChild(ctx, parent, child); err != nil {
			return err
		}
	}
	return nil
}

// RemoveChild removes the direct edge; descendants reached through other
// paths are unaffected.
func (s *Service) RemoveChild(ctx context.Context, parent, child authz.AclKey) error {
	return s.repo.RemoveEdge(ctx, parent, child)
}

// RemoveChildren removes several direct edges.
func (s *Service) RemoveChildren(ctx context.Context, parent authz.AclKey, children []authz.AclKey) error {
	for _, child := range children {
		if err := s.repo.RemoveEdge(ctx, parent, child); err != nil {
			return err
		}
	}
	return nil
}

// HasChild is the direct-edge membership fast path, not transitive.
func (s *Service) HasChild(ctx context.Context, parent, child authz.AclKey) (bool, error) {
	return s.repo.HasEdge(ctx, parent, child)
}

// AncestorsOf computes the upward transitive closure of one key: every
// principal that contains it, directly or through further nesting. The
// queried principal never appears in its own closure.
func (s *Service) AncestorsOf(ctx context.Context, key authz.AclKey) ([]SecurablePrincipal, error) {
	return s.closure(ctx, []authz.AclKey{key}, s.repo.ParentsOf)
}

// DescendantsOf computes the downward transitive closure: every effective
// member, including users nested inside roles nested inside the key.
func (s *Service) DescendantsOf(ctx context.Context, key authz.AclKey) ([]SecurablePrincipal, error) {
	return s.closure(ctx, []authz.AclKey{key}, s.repo.ChildrenOf)
}

// DescendantsOfMany unions the downward closures of several keys in one
// layered traversal.
func (s *Service) DescendantsOfMany(ctx context.Context, keys []authz.AclKey) ([]SecurablePrincipal, error) {
	return s.closure(ctx, keys, s.repo.ChildrenOf)
}

// closure runs the layer-by-layer expansion: one repository round-trip per
// layer, accumulating until a layer yields no principal not already seen.
// Self-references introduced by cycles are dropped on every layer.
func (s *Service) closure(ctx context.Context, roots []authz.AclKey, expand func(context.Context, []string) ([]SecurablePrincipal, error)) ([]SecurablePrincipal, error) {
	visited := make(map[authz.AclKeyIndex]struct{}, len(roots))
	layer := make([]string, 0, len(roots))
	for _, root := range roots {
		index := root.Index()
		if _, ok := visited[index]; ok {
			continue
		}
		visited[index] = struct{}{}
		layer = append(layer, string(index))
	}

	var result []SecurablePrincipal
	for len(layer) > 0 {
		found, err := expand(ctx, layer)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, sp := range found {
			index := sp.Key.Index()
			if _, ok := visited[index]; ok {
				continue
			}
			visited[index] = struct{}{}
			result = append(result, sp)
			next = append(next, string(index))
		}
		layer = next
	}
	return result, nil
}

// DirectAncestors returns the immediate parents of a principal, resolved
// through its securable key. Implements authz.AncestorSource for the
// access-path explainer.
func (s *Service) DirectAncestors(ctx context.Context, p authz.Principal) ([]authz.Principal, error) {
	sp, err := s.repo.GetByPrincipal(ctx, p)
	if err != nil {
		return nil, err
	}
	parents, err := s.repo.ParentsOf(ctx, []string{string(sp.Key.Index())})
	if err != nil {
		return nil, err
	}
	out := make([]authz.Principal, 0, len(parents))
	for _, parent := range parents {
		if parent.Principal == p {
			continue
		}
		out = append(out, parent.Principal)
	}
	return out, nil
}
