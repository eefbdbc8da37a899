// Package auth provides HTTP middleware for bearer token authentication of
// the MCP endpoint.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns an HTTP middleware that enforces bearer token
// authentication. An empty token disables authentication.
//
// The header must read exactly "Authorization: Bearer <token>"; the prefix is
// case-sensitive and takes a single space. Rejected requests get 401 and are
// logged at warn with the remote address. A nil logger uses the logrus
// standard logger.
func NewAuthMiddleware(token string, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "auth")
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok || provided == "" || subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
				log.WithFields(logrus.Fields{
					"remote": r.RemoteAddr,
					"path":   r.URL.Path,
				}).Warn("rejected unauthenticated request")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
