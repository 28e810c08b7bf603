package httpx

import (
	"context"
	"net/http"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

// Caller is the identity asserted by the upstream auth proxy.
type Caller struct {
	UserID string
	Admin  bool
}

type callerKey struct{}

func callerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Identity reads the caller from the proxy headers and rejects anonymous
// requests.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(HeaderUserID)
		if uid == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "UNAUTHENTICATED", Message: "missing user identity"}})
			return
		}
		c := Caller{UserID: uid, Admin: r.Header.Get(HeaderUserRole) == roleAdmin}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r.Context()).Admin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: errorDetail{Code: "FORBIDDEN", Message: "admin only"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}
