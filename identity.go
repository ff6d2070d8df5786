package tokengate

import (
	"context"
	"net/http"
)

// Identity is the resolved owner of a management request.
type Identity struct {
	// OwnerID identifies the principal. It is required.
	OwnerID string
	// PolicyName selects the quota policy a newly created token gets.
	PolicyName string
	// Attributes are extra caller fields (tenant, role, ...). They are handed to
	// Store.Create untouched.
	Attributes map[string]string
}

// IdentityProvider resolves the owner of an inbound management request. It may
// block (database lookups, session stores, remote auth); the manager waits for it
// before any store access. Returning a nil identity or one without an OwnerID is a
// wiring bug and answered with 500.
type IdentityProvider func(w http.ResponseWriter, r *http.Request) (*Identity, error)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the manager for the
// current operation.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

func (id *Identity) clone() *Identity {
	out := &Identity{OwnerID: id.OwnerID, PolicyName: id.PolicyName}
	if len(id.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(id.Attributes))
		for k, v := range id.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
