package principals

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// AclCleaner is the slice of the acl engine the directory needs for
// cascading deletes: dropping every grant held by a principal and every
// grant on its own acl key.
type AclCleaner interface {
	DeleteAllPrincipalPermissions(ctx context.Context, p authz.Principal) error
	DeletePermissions(ctx context.Context, key authz.AclKey) error
}

// Service is the securable-principal directory. It backs the acl engine's
// UnknownPrincipal checks and owns the nesting graph (graph.go).
type Service struct {
	repo   Repository
	acls   AclCleaner
	logger *slog.Logger
}

// NewService constructs the directory service. acls may be nil when the
// caller wires cascade deletion elsewhere.
func NewService(repo Repository, acls AclCleaner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, acls: acls, logger: logger}
}

// Create registers a securable principal. Titles and descriptions are
// NFC-normalized so directory lookups are stable across input sources.
func (s *Service) Create(ctx context.Context, sp SecurablePrincipal) error {
	if err := sp.Key.Validate(); err != nil {
		return err
	}
	sp.Title = norm.NFC.String(strings.TrimSpace(sp.Title))
	sp.Description = norm.NFC.String(strings.TrimSpace(sp.Description))
	return s.repo.Insert(ctx, sp)
}

// Get fetches a securable principal by identity.
func (s *Service) Get(ctx context.Context, p authz.Principal) (SecurablePrincipal, error) {
	return s.repo.GetByPrincipal(ctx, p)
}

// GetByKey fetches a securable principal by its acl key.
func (s *Service) GetByKey(ctx context.Context, key authz.AclKey) (SecurablePrincipal, error) {
	return s.repo.GetByKey(ctx, key)
}

// Lookup maps a principal to its acl key.
func (s *Service) Lookup(ctx context.Context, p authz.Principal) (authz.AclKey, error) {
	sp, err := s.repo.GetByPrincipal(ctx, p)
	if err != nil {
		return nil, err
	}
	return sp.Key, nil
}

// Exists reports whether the principal is registered. Implements
// authz.PrincipalDirectory.
func (s *Service) Exists(ctx context.Context, p authz.Principal) (bool, error) {
	return s.repo.Exists(ctx, p)
}

// Delete removes the principal, every nesting edge touching it, every ace
// it holds and every ace on its own key. The owner-safety guard does not
// apply: the object is being deleted.
func (s *Service) Delete(ctx context.Context, p authz.Principal) error {
	sp, err := s.repo.GetByPrincipal(ctx, p)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveEdgesFor(ctx, sp.Key); err != nil {
		return err
	}
	if s.acls != nil {
		if err := s.acls.DeleteAllPrincipalPermissions(ctx, p); err != nil {
			return err
		}
		if err := s.acls.DeletePermissions(ctx, sp.Key); err != nil {
			return err
		}
	}
	return s.repo.Delete(ctx, p)
}
