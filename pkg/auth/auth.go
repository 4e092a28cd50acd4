// Package auth carries the authenticated request principal through context
// and defines the external authorization collaborator consumed by the
// signature binder. Policy decisions are made outside this module; callers
// here only consume them.
package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated actor for a request.
type Principal struct {
	ID             string
	OrganizationID string
	Name           string
	Roles          []string
}

// HasRole reports whether the principal holds the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}

// GetOrganizationID returns the principal's organization, or an error when
// the request is unauthenticated.
func GetOrganizationID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.OrganizationID, nil
}

// Authorizer answers role/ownership policy questions. It is an external
// collaborator; implementations live outside this module.
type Authorizer interface {
	// CanSign reports whether the principal may sign the given report run in
	// the given signature role.
	CanSign(ctx context.Context, p Principal, reportRunID, signatureRole string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, p Principal, reportRunID, signatureRole string) (bool, error)

// CanSign implements Authorizer.
func (f AuthorizerFunc) CanSign(ctx context.Context, p Principal, reportRunID, signatureRole string) (bool, error) {
	return f(ctx, p, reportRunID, signatureRole)
}
