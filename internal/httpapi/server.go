// Package httpapi binds the HTTP surface of corpusd: the streaming
// protocol transport, the OAuth endpoints, discovery documents, health
// and metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loreworks/corpusd/internal/config"
	"github.com/loreworks/corpusd/internal/mcp"
	"github.com/loreworks/corpusd/internal/oauth"
	"github.com/loreworks/corpusd/internal/search"
)

// Server is the HTTP facade.
type Server struct {
	echo    *echo.Echo
	cfg     config.ServerConfig
	engine  *mcp.Engine
	session *mcp.SessionStore
	auth    *oauth.Server
	backend search.Backend
	logger  *zap.Logger

	info mcp.ServerInfo
	sse  *sseHandler
}

// New wires the routes and middleware.
func New(
	cfg config.ServerConfig,
	info mcp.ServerInfo,
	engine *mcp.Engine,
	sessions *mcp.SessionStore,
	auth *oauth.Server,
	backend search.Backend,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		cfg:     cfg,
		engine:  engine,
		session: sessions,
		auth:    auth,
		backend: backend,
		logger:  logger,
		info:    info,
	}
	s.sse = newSSEHandler(engine, sessions, cfg.BaseURL(), logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	// Browser-based clients complete OAuth flows cross-origin, so the
	// discovery and token endpoints allow any origin.
	openCORS := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	})

	e.GET("/", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	e.GET("/.well-known/oauth-authorization-server", auth.HandleMetadata, openCORS)
	e.GET("/.well-known/mcp/resource", s.handleResource, openCORS)

	e.POST("/oauth/register", auth.HandleRegister, openCORS)
	e.GET("/oauth/authorize", auth.HandleAuthorize)
	e.POST("/oauth/consent", auth.HandleConsent)
	e.POST("/oauth/token", auth.HandleToken, openCORS)
	e.GET("/oauth/callback", auth.HandleCallback)
	e.GET("/oauth/start-auth/:client_id", auth.HandleStartAuth, openCORS)

	submissionCORS := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins(cfg.AllowedOrigins),
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	})

	e.GET("/sse", s.sse.handleStream)
	e.POST("/messages", s.sse.handleMessage, submissionCORS, auth.RequireBearer())

	return s
}

// allowedOrigins never returns an empty list; echo treats an empty
// AllowOrigins as allow-all, which is the opposite of restricted.
func allowedOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"null"}
	}
	return configured
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server listening",
		zap.String("addr", addr),
		zap.String("public_base_url", s.cfg.BaseURL()),
	)

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains connections within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth serves the health/version document.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":             s.info.Name,
		"version":          s.info.Version,
		"protocolVersions": mcp.SupportedProtocolVersions,
		"transport":        config.TransportHTTP,
		"sources":          s.backend.Counts(),
		"sessions":         s.session.Len(),
	})
}

// handleResource serves the MCP resource descriptor.
func (s *Server) handleResource(c echo.Context) error {
	base := s.cfg.BaseURL()
	md := s.auth.Metadata()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":             s.info.Name,
		"version":          s.info.Version,
		"protocolVersions": mcp.SupportedProtocolVersions,
		"capabilities": map[string]interface{}{
			"tools":   map[string]interface{}{},
			"prompts": map[string]interface{}{},
		},
		"endpoints": map[string]string{
			"sse":      base + "/sse",
			"messages": base + "/messages",
		},
		"oauth": map[string]string{
			"authorization_endpoint": md.AuthorizationEndpoint,
			"token_endpoint":         md.TokenEndpoint,
			"registration_endpoint":  md.RegistrationEndpoint,
		},
	})
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			if req.URL.Path == "/metrics" {
				return err
			}

			s.logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}
