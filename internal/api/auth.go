package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"
)

// OwnerHeader carries the caller's owner id, set by a trusted front end.
const OwnerHeader = "X-Owner-ID"

// DefaultOwner is used when no owner header is sent.
const DefaultOwner = "anonymous"

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ownerKey struct{}

// Owner resolves the owner header into the request context.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = DefaultOwner
		}
		if !ownerPattern.MatchString(owner) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid %s header", OwnerHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

// ownerFrom returns the owner resolved by Owner.
func ownerFrom(ctx context.Context) string {
	if o, ok := ctx.Value(ownerKey{}).(string); ok {
		return o
	}
	return DefaultOwner
}
