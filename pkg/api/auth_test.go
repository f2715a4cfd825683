package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/config"
)

func testServer() *Server {
	cfg := &config.Config{
		Api: config.ApiConfig{
			AdminUsername: "admin",
			AdminPassword: "correct-horse",
		},
	}
	return NewServer(cfg, nil, nil, nil, nil, nil, nil, nil)
}

func TestAuthStatusWithBasicAuth(t *testing.T) {
	server := testServer()

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.SetBasicAuth("admin", "correct-horse")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"admin":true`)
}

func TestAuthRejectsBadBasicCredentials(t *testing.T) {
	server := testServer()

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	server := testServer()

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminOnlyBlocksApiKeys(t *testing.T) {
	server := testServer()

	// An api-key context reaching an admin route is forbidden before any
	// handler logic runs.
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/relayers/some-id", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(authContextKey, &authContext{apiKey: "abc123"})

	handler := server.adminOnly(func(echo.Context) error { return nil })
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestAuthorizeRelayerScoping(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	// Admin operates on anything.
	c.Set(authContextKey, &authContext{admin: true})
	require.NoError(t, authorizeRelayer(c, "any-relayer"))

	// Api key only on its own relayer.
	c.Set(authContextKey, &authContext{apiKey: "k", relayer: nil})
	require.Error(t, authorizeRelayer(c, "any-relayer"))
}
