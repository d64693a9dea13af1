package config

import (
	"fmt"
	"io"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envKeys maps recognized environment variables to config paths.
//
// These are the deployment-facing knobs; anything else is reachable only
// through the YAML file.
var envKeys = map[string]string{
	"PORT":                 "server.port",
	"HOST":                 "server.host",
	"PUBLIC_BASE_URL":      "server.public_base_url",
	"TRANSPORT":            "server.transport",
	"LOG_LEVEL":            "log.level",
	"LOG_FORMAT":           "log.format",
	"OAUTH_SIMPLIFIED":     "oauth.simplified",
	"SESSION_IDLE_SECONDS": "session.idle_seconds",
	"TOKEN_TTL_SECONDS":    "oauth.token_ttl_seconds",
	"GRANT_TTL_SECONDS":    "oauth.grant_ttl_seconds",
	"SEARCH_INDEX_PATH":    "search.index_path",
	"EMBEDDING_BASE_URL":   "search.embedding_base_url",
	"EMBEDDING_MODEL":      "search.embedding_model",
	"EMBEDDING_API_KEY":    "search.embedding_api_key",
	"ALLOWED_ORIGINS":      "server.allowed_origins",
}

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PORT, SEARCH_INDEX_PATH, ...)
//  2. YAML config file (if configPath is non-empty and the file exists)
//  3. Hardcoded defaults
//
// The result is validated; a validation error is fatal to startup.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// Override with environment variables. Only the keys in envKeys are
	// honored; unrelated environment noise is dropped by mapping unknown
	// names to an unused path.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		if path, ok := envKeys[s]; ok {
			return path
		}
		return "ignored." + s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
