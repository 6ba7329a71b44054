package auth

import (
	"errors"

	"github.com/kriasoft/flagkit/internal/store"
)

// Gate failures. The API layer maps these onto wire codes; ErrFlagNotFound
// deliberately masks cross-organization access as absence.
var (
	ErrUnauthenticated      = errors.New("authentication required")
	ErrUnauthorized         = errors.New("admin role required")
	ErrAdminDisabled        = errors.New("admin access is disabled")
	ErrOrganizationRequired = errors.New("session has no organization")
	ErrOrganizationMismatch = errors.New("organization does not match session")
	ErrFlagNotFound         = errors.New("flag not found")
)

// Enforcer applies the admin gates: role, organization, and ownership.
type Enforcer struct {
	AdminRoles   []string
	AdminEnabled bool
	MultiTenant  bool
}

// RequireAdmin applies the role gate.
func (e *Enforcer) RequireAdmin(s *Session) error {
	if !e.AdminEnabled {
		return ErrAdminDisabled
	}
	if s == nil {
		return ErrUnauthenticated
	}
	if !s.HasAnyRole(e.AdminRoles) {
		return ErrUnauthorized
	}
	return nil
}

// ResolveOrg applies the organization gate and returns the organization
// scope admin operations run in. requestedOrg comes from the body or query;
// in multi-tenant mode it must match the session's organization.
func (e *Enforcer) ResolveOrg(s *Session, requestedOrg string) (string, error) {
	if !e.MultiTenant {
		return requestedOrg, nil
	}
	if s == nil || s.OrganizationID == "" {
		return "", ErrOrganizationRequired
	}
	if requestedOrg != "" && requestedOrg != s.OrganizationID {
		return "", ErrOrganizationMismatch
	}
	return s.OrganizationID, nil
}

// CheckOwnership applies the ownership gate for a specific flag. In
// multi-tenant mode a flag outside the session's organization reads as
// absent so existence is never disclosed.
func (e *Enforcer) CheckOwnership(s *Session, flag *store.Flag) error {
	if !e.MultiTenant {
		return nil
	}
	if s == nil || s.OrganizationID == "" {
		return ErrOrganizationRequired
	}
	if flag.OrganizationID != s.OrganizationID {
		return ErrFlagNotFound
	}
	return nil
}
