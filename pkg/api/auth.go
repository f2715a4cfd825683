package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaycore/relayer/pkg/db/models"
)

const apiKeyHeader = "x-api-key"

type authContext struct {
	admin   bool
	apiKey  string
	relayer *models.Relayer
}

const authContextKey = "relay-auth"

// authMiddleware accepts exactly one of the two schemes: HTTP Basic with the
// configured admin credentials (all operations) or an x-api-key token scoped
// to its owning relayer.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if username, password, ok := c.Request().BasicAuth(); ok {
			usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Api.AdminUsername)) == 1
			passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Api.AdminPassword)) == 1
			if usernameMatch && passwordMatch {
				c.Set(authContextKey, &authContext{admin: true})
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin credentials")
		}

		if key := c.Request().Header.Get(apiKeyHeader); key != "" {
			relayer, err := s.db.FindRelayerByApiKey(key)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			c.Set(authContextKey, &authContext{apiKey: key, relayer: relayer})
			return next(c)
		}

		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
}

// adminOnly restricts an endpoint to basic-auth admins.
func (s *Server) adminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := currentAuth(c)
		if auth == nil || !auth.admin {
			return echo.NewHTTPError(http.StatusForbidden, "admin credentials required")
		}
		return next(c)
	}
}

func currentAuth(c echo.Context) *authContext {
	auth, _ := c.Get(authContextKey).(*authContext)
	return auth
}

// authorizeRelayer checks that the caller may operate on relayerID: admins
// always, api keys only on their own relayer.
func authorizeRelayer(c echo.Context, relayerID string) error {
	auth := currentAuth(c)
	if auth == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if auth.admin {
		return nil
	}
	if auth.relayer != nil && auth.relayer.ID == relayerID {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "api key is not scoped to this relayer")
}

func (s *Server) handleAuthStatus(c echo.Context) error {
	auth := currentAuth(c)
	body := map[string]any{"authenticated": true, "admin": auth.admin}
	if auth.relayer != nil {
		body["relayer_id"] = auth.relayer.ID
	}
	return c.JSON(http.StatusOK, body)
}
