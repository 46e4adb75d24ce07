package handler

import (
	"context"
	"net/http"
)

// Identity is what the auth provider collaborator (spec.md §1's "out of
// scope" auth/session issuance) is expected to resolve from a request:
// (userId, organizationId, role). This core never issues or verifies
// sessions itself; AuthMiddleware only reads the headers the collaborator
// is expected to set once a session is validated upstream, the same
// context-key extraction shape as identity.UserIDFromContext in the
// ashureev-shsh-labs pack repo.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           string
}

type contextKey int

const identityContextKey contextKey = iota

// AuthMiddleware resolves the caller's identity from the headers the auth
// provider collaborator sets after verifying a session, and stores it on
// the request context. Webhook routes are mounted outside this
// middleware's chain since they are provider-authenticated, not
// agent-authenticated (§6).
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			UserID:         r.Header.Get("X-User-Id"),
			OrganizationID: r.Header.Get("X-Organization-Id"),
			Role:           r.Header.Get("X-Agent-Role"),
		}
		if id.UserID == "" || id.OrganizationID == "" {
			writeError(w, http.StatusUnauthorized, "missing authenticated session")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext extracts the Identity AuthMiddleware attached to the
// request context, or the zero value if absent.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}
