// Package identity carries the authenticated caller through a request.
//
// Identity is issued upstream (gateway or SSO); this service only reads the
// name and roles it is handed and threads them through context.
package identity

import (
	"context"
	"strings"
)

// Well-known roles.
const (
	RoleApprover = "loader_approver"
	RoleAdmin    = "loader_admin"
)

// Actor is the user performing an operation.
type Actor struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor holds role (case-insensitive).
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsZero reports whether the actor is unset.
func (a Actor) IsZero() bool {
	return a.Name == ""
}

// ParseRoles splits a comma-separated role header.
func ParseRoles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

type contextKey string

const (
	ctxKeyActor     contextKey = "actor"
	ctxKeyIPAddress contextKey = "audit_ip"
)

// WithActor adds the actor to context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

// FromContext extracts the actor from context. ok is false when no actor
// was attached.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKeyActor).(Actor)
	return a, ok && !a.IsZero()
}

// WithIPAddress adds the client IP to context for audit records.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// IPAddressFromContext extracts the client IP from context.
func IPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
