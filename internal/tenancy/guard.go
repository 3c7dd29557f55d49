// Package tenancy authorizes every tenant-scoped access. A tenant the
// principal cannot see is reported exactly like one that does not exist.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

var (
	ErrUnauthenticated = errors.New("tenancy: unauthenticated")
	// ErrNotFound is catalog.ErrNotFound so that a denied tenant and a
	// missing resource cannot be told apart by callers.
	ErrNotFound  = catalog.ErrNotFound
	ErrForbidden = errors.New("tenancy: admin role required")
)

type Principal struct {
	ID            string
	Authenticated bool
	SuperAdmin    bool
}

type MembershipReader interface {
	GetMembership(ctx context.Context, tenantID, principalID string) (catalog.Membership, error)
}

type Guard struct {
	members MembershipReader
}

func NewGuard(members MembershipReader) *Guard {
	return &Guard{members: members}
}

// Scope is proof that a principal was authorized for one tenant. Its fields
// are unexported, so only Authorize can produce a usable Scope.
type Scope struct {
	tenantID    string
	principalID string
	role        catalog.Role
	superAdmin  bool
}

func (s Scope) TenantID() string    { return s.tenantID }
func (s Scope) PrincipalID() string { return s.principalID }
func (s Scope) Role() catalog.Role  { return s.role }
func (s Scope) SuperAdmin() bool    { return s.superAdmin }

func (s Scope) RequireAdmin() error {
	if s.tenantID == "" {
		return ErrUnauthenticated
	}
	if s.role != catalog.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// Owns reports ErrNotFound unless resourceTenantID is the scope's tenant.
func (s Scope) Owns(resourceTenantID string) error {
	if s.tenantID == "" || resourceTenantID != s.tenantID {
		return ErrNotFound
	}
	return nil
}

func (g *Guard) Authorize(ctx context.Context, principal Principal, tenantID string) (Scope, error) {
	if !principal.Authenticated || strings.TrimSpace(principal.ID) == "" {
		return Scope{}, ErrUnauthenticated
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Scope{}, ErrNotFound
	}
	if principal.SuperAdmin {
		return Scope{tenantID: tenantID, principalID: principal.ID, role: catalog.RoleAdmin, superAdmin: true}, nil
	}

	membership, err := g.members.GetMembership(ctx, tenantID, principal.ID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Scope{}, ErrNotFound
		}
		return Scope{}, fmt.Errorf("load membership: %w", err)
	}
	if !membership.Role.Valid() {
		return Scope{}, ErrNotFound
	}
	return Scope{tenantID: tenantID, principalID: principal.ID, role: membership.Role}, nil
}
