package httpmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenAuthenticatorRejectsMissingToken(t *testing.T) {
	auth := NewTokenAuthenticator("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	assert.False(t, auth.Authenticate(req))
}

func TestTokenAuthenticatorAcceptsValidBearer(t *testing.T) {
	auth := NewTokenAuthenticator("secret")
	tok, err := auth.IssueToken("operator", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.True(t, auth.Authenticate(req))
}

func TestTokenAuthenticatorRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenAuthenticator("secret-a")
	tok, err := issuer.IssueToken("operator", time.Hour)
	require.NoError(t, err)

	verifier := NewTokenAuthenticator("secret-b")
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.False(t, verifier.Authenticate(req))
}

func TestRequireAuthRedirectsPagesAnd401sAPI(t *testing.T) {
	auth := NewTokenAuthenticator("secret")
	mw := RequireAuth(auth, "/login", "/api/")

	pageResp := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(pageResp, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusFound, pageResp.Code)
	assert.Equal(t, "/login", pageResp.Header().Get("Location"))

	apiResp := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(apiResp, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, apiResp.Code)
}

func TestRequireAuthPassesAuthenticatedRequest(t *testing.T) {
	auth := NewTokenAuthenticator("secret")
	tok, err := auth.IssueToken("operator", time.Hour)
	require.NoError(t, err)

	mw := RequireAuth(auth, "/login", "/api/")
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWithLoggingCapturesStatus(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	handler := WithLogging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, resp.Code)
}
