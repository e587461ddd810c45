// Package auth resolves bearer tokens to caller identities and enforces
// tenant-scoped access. Every resource records the owner it was created
// under; the authorizer admits a request only when the caller's tenant
// matches the resource owner and the caller holds the scope the operation
// requires.
package auth

import (
	"context"
	"errors"
	"slices"
)

type (
	// Identity describes an authenticated caller.
	Identity struct {
		// Subject is the principal the token was issued to.
		Subject string
		// Owner is the tenant the caller acts for. All resources the
		// caller touches must record this owner.
		Owner string
		// Scopes are the operations the token grants.
		Scopes []string
	}

	// Scope names a granted operation class.
	Scope = string

	// Authenticator resolves a bearer token to an identity.
	Authenticator interface {
		// Identify validates token and returns the caller it identifies.
		// Fails with ErrUnauthenticated (possibly wrapped) on any invalid,
		// expired or missing token.
		Identify(ctx context.Context, token string) (*Identity, error)
	}

	// Authorizer decides whether an identity may act on a resource.
	Authorizer interface {
		// Authorize admits the request or fails with ErrForbidden. owner is
		// the resource's recorded owner; for creation it is the tenant the
		// resource will be created under.
		Authorize(ctx context.Context, id *Identity, owner string, scope Scope) error
	}
)

// Scopes understood by the service.
const (
	ScopeRunsRead    Scope = "runs:read"
	ScopeRunsWrite   Scope = "runs:write"
	ScopeThreadsRead Scope = "threads:read"
	ScopeAdmin       Scope = "admin"
)

var (
	// ErrUnauthenticated indicates the token is missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the identity may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// OwnerAuthorizer admits requests whose identity matches the resource owner
// and carries the required scope. The admin scope bypasses the scope check
// but never the tenant check.
type OwnerAuthorizer struct{}

// Authorize implements Authorizer.
func (OwnerAuthorizer) Authorize(_ context.Context, id *Identity, owner string, scope Scope) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if id.Owner != owner {
		// Cross-tenant access reads as not found upstream; the authorizer
		// only reports the denial.
		return ErrForbidden
	}
	if scope == "" || slices.Contains(id.Scopes, ScopeAdmin) || slices.Contains(id.Scopes, scope) {
		return nil
	}
	return ErrForbidden
}

type identityKey struct{}

// WithIdentity stores the authenticated identity in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
