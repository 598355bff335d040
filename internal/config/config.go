// Package config loads and validates the application configuration from
// defaults, an optional TOML file, and prefixed environment variables, in
// that order of precedence (later wins).
//
// The environment prefix is rewritable so the library can live inside hosts
// that namespace their variables differently (REVOS_ by default, e.g.
// RUMBA_ in the deployments that popularized the feature). Nested keys use a
// double underscore: REVOS_TOKEN_MANAGER__REFRESH_INTERVAL=45m.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/florianilch/revos/internal/extractor"
	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

// DefaultEnvPrefix namespaces environment variables unless rewritten.
const DefaultEnvPrefix = "REVOS_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full application configuration.
type Config struct {
	Revos        RevosConfig                  `koanf:"revos"`
	TokenManager TokenManagerConfig           `koanf:"token_manager"`
	LLM          LLMConfig                    `koanf:"llm"`
	Server       ServerConfig                 `koanf:"server"`
	Logging      LoggingConfig                `koanf:"logging"`
}

// RevosConfig holds the gateway credentials and endpoints.
type RevosConfig struct {
	ClientID       string        `koanf:"client_id" validate:"required"`
	ClientSecret   string        `koanf:"client_secret" validate:"required"`
	TokenURL       string        `koanf:"token_url" validate:"required,url"`
	BaseURL        string        `koanf:"base_url" validate:"omitempty,url"`
	Scopes         []string      `koanf:"scopes"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gte=0"`
	TokenLifetime  time.Duration `koanf:"token_lifetime" validate:"gte=0"`
}

// Credentials maps the section onto the fetcher's credential set.
func (c RevosConfig) Credentials() tokensource.Credentials {
	return tokensource.Credentials{
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		TokenURL:       c.TokenURL,
		Scopes:         c.Scopes,
		RequestTimeout: c.RequestTimeout,
		TokenLifetime:  c.TokenLifetime,
	}
}

// TokenManagerConfig holds the refresh policy knobs.
type TokenManagerConfig struct {
	RefreshInterval           time.Duration `koanf:"refresh_interval" validate:"gt=0"`
	ExpiryBuffer              time.Duration `koanf:"expiry_buffer" validate:"gte=0"`
	MaxFailuresBeforeFallback int           `koanf:"max_failures_before_fallback" validate:"gte=1"`
	EnablePeriodicRefresh     bool          `koanf:"enable_periodic_refresh"`
	EnableFallback            bool          `koanf:"enable_fallback"`
}

// Policy maps the section onto the manager's refresh policy.
func (c TokenManagerConfig) Policy() tokenmanager.Policy {
	return tokenmanager.Policy{
		RefreshInterval:           c.RefreshInterval,
		ExpiryBuffer:              c.ExpiryBuffer,
		MaxFailuresBeforeFallback: c.MaxFailuresBeforeFallback,
		EnablePeriodicRefresh:     c.EnablePeriodicRefresh,
		EnableFallback:            c.EnableFallback,
	}
}

// LLMConfig holds the named model profiles for extraction.
type LLMConfig struct {
	DefaultProfile string                       `koanf:"default_profile"`
	Profiles       map[string]extractor.Profile `koanf:"profiles" validate:"dive"`
}

// ServerConfig holds the introspection server settings.
type ServerConfig struct {
	Listen string `koanf:"listen" validate:"required,hostname_port"`
}

// LoggingConfig holds the observability settings.
type LoggingConfig struct {
	Level        string `koanf:"level" validate:"oneof=debug info warn error"`
	Format       string `koanf:"format" validate:"oneof=text json"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// LoadOptions control where configuration comes from.
type LoadOptions struct {
	// Path of an optional TOML file. Empty skips the file layer; a named
	// but missing file is an error.
	Path string

	// Prefix rewrites the environment namespace. Empty means
	// DefaultEnvPrefix.
	Prefix string
}

func defaults() map[string]any {
	return map[string]any{
		"revos.request_timeout":                     30 * time.Second,
		"revos.token_lifetime":                      time.Hour,
		"token_manager.refresh_interval":            50 * time.Minute,
		"token_manager.expiry_buffer":               5 * time.Minute,
		"token_manager.max_failures_before_fallback": 3,
		"token_manager.enable_periodic_refresh":     true,
		"token_manager.enable_fallback":             true,
		"llm.default_profile":                       "default",
		"server.listen":                             "127.0.0.1:8600",
		"logging.level":                             "info",
		"logging.format":                            "text",
	}
}

// Load builds the configuration from defaults, the optional file, and the
// environment, then validates it. A client secret absent from file and
// environment is looked up in the OS keyring (populated via `revos auth set`).
func Load(opts LoadOptions) (*Config, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", opts.Path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, prefix))
			// Double underscore separates nesting levels; single
			// underscores stay part of the key.
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Revos.ClientSecret == "" && cfg.Revos.ClientID != "" {
		secret, err := lookupSecret(cfg.Revos.ClientID)
		if err == nil {
			cfg.Revos.ClientSecret = secret
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnvironment is a convenience for hosts that configure exclusively
// through the environment, honoring an optional prefix rewrite via
// REVOS_ENV_PREFIX.
func LoadFromEnvironment() (*Config, error) {
	return Load(LoadOptions{Prefix: os.Getenv("REVOS_ENV_PREFIX")})
}
