package httpkit

import (
	"crypto/subtle"
	"net/http"

	"renderapi/internal/pkg/errors"
)

// Authorize reports whether header carries "Bearer <secret>". An empty
// secret disables the check.
func Authorize(header, secret string) bool {
	if secret == "" {
		return true
	}
	want := "Bearer " + secret
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

// RequireBearer rejects requests whose Authorization header does not match
// the shared secret. It runs before any body is read.
func RequireBearer(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Authorize(r.Header.Get("Authorization"), secret) {
				e := errors.Unauthorized()
				WriteErr(w, e.HTTPStatus(), string(e.Code), e.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
