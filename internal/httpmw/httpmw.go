// Package httpmw provides the two cross-cutting HTTP concerns every
// controller route needs: request logging and the auth gate.
// "Authenticated?" is treated as an opaque predicate with session
// mechanics left to the caller; this package implements it as a
// client-held HS256 JWT validated per request, with no server-side
// session state.
package httpmw

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go/v4"
	"github.com/sirupsen/logrus"
)

// Authenticator decides whether an incoming request carries valid
// operator credentials, kept as an opaque predicate rather than a
// concrete session type; TokenAuthenticator below is one valid
// implementation of it, not the only one.
type Authenticator interface {
	Authenticate(r *http.Request) bool
}

// TokenAuthenticator validates an HS256 JWT carried either in a
// cookie (for page loads) or an Authorization: Bearer header (for
// API calls), against a single shared signing secret.
type TokenAuthenticator struct {
	secret     []byte
	cookieName string
}

func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret), cookieName: "foundry_session"}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) bool {
	raw := bearerToken(r)
	if raw == "" {
		if c, err := r.Cookie(a.cookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	return err == nil && token.Valid
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// IssueToken mints a session token for a logged-in operator, valid
// for ttl, signed with the same secret Authenticate checks against.
func (a *TokenAuthenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(a.secret)
}

// RequireAuth gates a route behind the authenticator. apiPrefix
// marks which paths are JSON API endpoints (401 on failure) versus
// HTML pages (302 redirect to login).
func RequireAuth(auth Authenticator, loginPath, apiPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.Authenticate(r) {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, apiPrefix) {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, loginPath, http.StatusFound)
		})
	}
}

// WithLogging logs method, path, status, and duration for every
// request using WithField-chained structured fields.
func WithLogging(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(start).String(),
			}).Info("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
