package auth

import (
	"context"

	"github.com/hiveboard/hiveboard/internal/storage"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated principal attached to a request context by
// the middleware. Exactly one of KeyID or UserID is set.
type Identity struct {
	TenantID string
	UserID   string
	Role     string
	KeyID    string
	KeyType  string
}

// IsAPIKey reports whether the identity came from an API key.
func (id *Identity) IsAPIKey() bool { return id.KeyID != "" }

// ReadOnly reports whether the identity may only read: read-type keys and
// viewer users.
func (id *Identity) ReadOnly() bool {
	if id.IsAPIKey() {
		return id.KeyType == storage.KeyTypeRead
	}
	return !AtLeast(id.Role, storage.RoleMember)
}

// WithIdentity attaches an identity to a context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the authenticated identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}
