// Package authmw provides HTTP middleware for bearer token authentication
// of the read-only query endpoints.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/muster/internal/apierr"
)

// Rejection reasons carried on the returned AuthError.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that requires an Authorization header with
// a Bearer token matching token. Comparison is constant-time. An empty token
// disables the check. Failures are written as error envelopes.
func BearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, bearerPrefix) {
				apierr.Write(w, &apierr.AuthError{
					Status: http.StatusUnauthorized,
					Reason: ReasonMissingToken,
					Msg:    "missing or malformed authorization header",
				})
				return
			}

			got := []byte(auth[len(bearerPrefix):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				apierr.Write(w, &apierr.AuthError{
					Status: http.StatusUnauthorized,
					Reason: ReasonInvalidToken,
					Msg:    "invalid token",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
