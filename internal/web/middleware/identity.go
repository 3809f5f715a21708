package middleware

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/identity"
)

// Identity attaches the caller named by the gateway headers to the request
// context, together with the client address for audit records. Requests
// without a user header carry no actor; operations that need one refuse
// them.
func Identity(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := identity.WithIPAddress(r.Context(), r.RemoteAddr)

			if name := strings.TrimSpace(r.Header.Get(cfg.UserHeader)); name != "" {
				ctx = identity.WithActor(ctx, identity.Actor{
					Name:  name,
					Roles: identity.ParseRoles(r.Header.Get(cfg.RolesHeader)),
				})
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
