// Package config provides configuration loading for corpusd.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Transport kinds accepted by Server.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config is the root configuration for the corpusd daemon.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Session SessionConfig `koanf:"session"`
	OAuth   OAuthConfig   `koanf:"oauth"`
	Search  SearchConfig  `koanf:"search"`
}

// ServerConfig holds HTTP server and transport settings.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `koanf:"host"`

	// Port is the HTTP listen port. Default: 8080.
	Port int `koanf:"port"`

	// PublicBaseURL is the authority used when composing discovery documents
	// and redirect URLs. Defaults to http://<host>:<port>.
	PublicBaseURL string `koanf:"public_base_url"`

	// Transport selects the protocol transport: "stdio" or "http".
	// Default: "http".
	Transport string `koanf:"transport"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AllowedOrigins are origins permitted to POST to the submission path.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum severity: debug, info, warn, error. Default: info.
	Level string `koanf:"level"`

	// Format is "json" or "console". Default: json.
	Format string `koanf:"format"`
}

// SessionConfig holds protocol session settings.
type SessionConfig struct {
	// IdleSeconds is the idle timeout after which a session is evicted.
	// Default: 300.
	IdleSeconds int `koanf:"idle_seconds"`
}

// OAuthConfig holds authorization server settings.
type OAuthConfig struct {
	// Simplified enables the no-interaction start-auth mode for whitelisted
	// clients. Default: false (full OAuth).
	Simplified bool `koanf:"simplified"`

	// TokenTTLSeconds is the access token lifetime. Default: 3600.
	TokenTTLSeconds int `koanf:"token_ttl_seconds"`

	// GrantTTLSeconds is the authorization code lifetime. Default: 600.
	GrantTTLSeconds int `koanf:"grant_ttl_seconds"`
}

// SearchConfig holds search backend settings.
type SearchConfig struct {
	// IndexPath is the filesystem path of the prebuilt corpus index.
	// Required when serving; the daemon refuses to start without it.
	IndexPath string `koanf:"index_path"`

	// EmbeddingBaseURL is the OpenAI-compatible endpoint used to embed
	// query text. Must serve the same model the index was built with.
	// Default: http://localhost:8081/v1.
	EmbeddingBaseURL string `koanf:"embedding_base_url"`

	// EmbeddingModel is the embedding model name.
	// Default: BAAI/bge-small-en-v1.5.
	EmbeddingModel string `koanf:"embedding_model"`

	// EmbeddingAPIKey authenticates to the embedding endpoint. Optional
	// for self-hosted servers.
	EmbeddingAPIKey string `koanf:"embedding_api_key"`
}

// TokenTTL returns the access token lifetime as a duration.
func (c *OAuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// GrantTTL returns the authorization code lifetime as a duration.
func (c *OAuthConfig) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLSeconds) * time.Second
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

// BaseURL returns the public base URL, falling back to host:port.
func (c *ServerConfig) BaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// Validate checks the configuration for fatal problems.
//
// Validation failures abort startup with a non-zero exit code.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid transport %q: must be %q or %q",
			c.Server.Transport, TransportStdio, TransportHTTP)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Server.Port)
	}

	if c.Server.PublicBaseURL != "" {
		u, err := url.Parse(c.Server.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid public_base_url %q: must be an absolute URL", c.Server.PublicBaseURL)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if c.Session.IdleSeconds < 1 {
		return fmt.Errorf("invalid session idle_seconds %d: must be positive", c.Session.IdleSeconds)
	}
	if c.OAuth.TokenTTLSeconds < 1 {
		return fmt.Errorf("invalid token_ttl_seconds %d: must be positive", c.OAuth.TokenTTLSeconds)
	}
	if c.OAuth.GrantTTLSeconds < 1 || c.OAuth.GrantTTLSeconds > 600 {
		return fmt.Errorf("invalid grant_ttl_seconds %d: must be 1-600", c.OAuth.GrantTTLSeconds)
	}

	if c.Search.IndexPath == "" {
		return fmt.Errorf("search index_path is required")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportHTTP
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Session.IdleSeconds == 0 {
		cfg.Session.IdleSeconds = 300
	}
	if cfg.OAuth.TokenTTLSeconds == 0 {
		cfg.OAuth.TokenTTLSeconds = 3600
	}
	if cfg.OAuth.GrantTTLSeconds == 0 {
		cfg.OAuth.GrantTTLSeconds = 600
	}
	if cfg.Search.EmbeddingBaseURL == "" {
		cfg.Search.EmbeddingBaseURL = "http://localhost:8081/v1"
	}
	if cfg.Search.EmbeddingModel == "" {
		cfg.Search.EmbeddingModel = "BAAI/bge-small-en-v1.5"
	}
}
