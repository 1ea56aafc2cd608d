package middleware

import (
	"context"
	"net/http"
	"strings"
)

// OwnerHeader names the tenant a request acts for.
const OwnerHeader = "X-OCCI-Owner"

type contextKey string

const ownerKey contextKey = "occiOwner"

// WithOwner returns middleware that resolves the request owner from
// OwnerHeader, falling back to defaultOwner, and stores it in the context.
func WithOwner(defaultOwner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if owner == "" {
				owner = defaultOwner
			}
			next.ServeHTTP(w, r.WithContext(SetOwner(r.Context(), owner)))
		})
	}
}

// SetOwner stores the request owner in ctx.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// GetOwner returns the request owner, or "" when none was resolved.
func GetOwner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}
