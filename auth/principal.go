package auth

import "context"

// Principal the authenticated identity attached to a connection. Set once during
// the handshake, never changed afterward.
type Principal struct {
	// TenantAlias is the alias of the tenant the user belongs to
	TenantAlias string `json:"tenantAlias" validate:"required"`
	// UserID is the full user ID
	UserID string `json:"userId" validate:"required"`
}

// PrincipalStore external collaborator which resolves a user principal. The push
// subsystem only reads principals, it never creates or modifies them.
type PrincipalStore interface {
	// FetchPrincipal resolve the principal for a user within a tenant
	FetchPrincipal(ctxt context.Context, tenantAlias, userID string) (Principal, error)
}

// selfPrincipalStore implements PrincipalStore by accepting the claimed identity
// as-is. The credential signature over the same tuple remains the gate, so this
// is usable when no principal directory is wired in.
type selfPrincipalStore struct{}

// GetSelfPrincipalStore define a PrincipalStore echoing the claimed identity
func GetSelfPrincipalStore() PrincipalStore {
	return &selfPrincipalStore{}
}

// FetchPrincipal resolve the principal for a user within a tenant
func (s *selfPrincipalStore) FetchPrincipal(
	ctxt context.Context, tenantAlias, userID string,
) (Principal, error) {
	return Principal{TenantAlias: tenantAlias, UserID: userID}, nil
}
