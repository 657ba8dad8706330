package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// internalAuth validates the shared-secret bearer token on internal
// worker endpoints. An empty token disables the check — development only
// (spec §6 "INTERNAL_TOKEN").
type internalAuth struct {
	token string
}

func newInternalAuth(token string) *internalAuth {
	return &internalAuth{token: token}
}

func (a *internalAuth) wrap(next http.HandlerFunc) http.HandlerFunc {
	if a.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (a *internalAuth) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	candidate := extractBearer(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) == 1
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
