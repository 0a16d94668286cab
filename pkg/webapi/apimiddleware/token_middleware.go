package apimiddleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type SharedSecretConfig struct {
	Skipper middleware.Skipper
	Secret  string
}

// SharedSecretAuth authenticates the control plane's calls with a bearer
// token handed out when the provider was connected. An empty configured
// secret disables authentication, which is only sensible behind a trusted
// reverse proxy.
func SharedSecretAuth(config SharedSecretConfig) echo.MiddlewareFunc {
	if config.Skipper == nil {
		config.Skipper = middleware.DefaultSkipper
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper(c) || config.Secret == "" {
				return next(c)
			}

			token := bearerToken(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(config.Secret)) != 1 {
				return echo.ErrUnauthorized
			}

			return next(c)
		}
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}

	return strings.TrimSpace(token)
}
