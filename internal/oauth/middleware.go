package oauth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// contextKeyToken is the echo context key carrying the validated token.
const contextKeyToken = "oauth.token"

// ScopeCorpusRead covers every operation the server exposes; the
// corpus is read-only.
const ScopeCorpusRead = "corpus:read"

// RequireBearer returns middleware that rejects submissions without a
// valid bearer token.
//
// In simplified mode the middleware passes everything through; the
// deployment has opted out of interactive authorization.
func (s *Server) RequireBearer() echo.MiddlewareFunc {
	discoveryURL := s.metadata.Issuer + "/.well-known/oauth-authorization-server"

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.simplified {
				return next(c)
			}

			value := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if value == "" {
				return s.unauthorized(c, discoveryURL, "missing bearer token")
			}

			token, err := s.tokens.Validate(value)
			if err != nil {
				s.logger.Debug("bearer token rejected", zap.Error(err))
				return s.unauthorized(c, discoveryURL, "invalid or expired token")
			}

			if !hasScope(token.Scope, ScopeCorpusRead) {
				c.Response().Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, ScopeCorpusRead))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:            "insufficient_scope",
					ErrorDescription: "token scope does not cover this operation",
				})
			}

			c.Set(contextKeyToken, token)
			return next(c)
		}
	}
}

// TokenFromContext returns the validated token set by RequireBearer.
func TokenFromContext(c echo.Context) (*Token, bool) {
	token, ok := c.Get(contextKeyToken).(*Token)
	return token, ok
}

// unauthorized writes the 401 with the WWW-Authenticate challenge
// pointing at the discovery document.
func (s *Server) unauthorized(c echo.Context, discoveryURL, description string) error {
	c.Response().Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q`, discoveryURL))
	return c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error:            "invalid_token",
		ErrorDescription: description,
	})
}

// hasScope reports whether a space-delimited scope string covers the
// required scope. Empty means the client requested no narrowing and
// holds the default read grant.
func hasScope(scope, required string) bool {
	if scope == "" {
		return true
	}
	for _, s := range strings.Fields(scope) {
		if s == required {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
