// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kelseyhightower/envconfig"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/signing"
)

// envPrefix prefixes every variable Load reads.
const envPrefix = "LICENSEGATE"

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

var (
	// ErrSigningSecret is returned when LICENSEGATE_SIGNING_SECRET is missing
	// or too short.
	ErrSigningSecret = fmt.Errorf("%s_SIGNING_SECRET must be at least %d characters", envPrefix, signing.MinSecretLength)

	// ErrDatabaseDSN is returned when a networked SQL backend is selected
	// without LICENSEGATE_DATABASE_DSN.
	ErrDatabaseDSN = fmt.Errorf("%s_DATABASE_DSN is required for MYSQL and POSTGRES storage", envPrefix)
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	SigningSecret string `envconfig:"SIGNING_SECRET"`

	ModeName    string `envconfig:"MODE" default:"HYBRID"`
	StorageName string `envconfig:"STORAGE_TYPE" default:"SQLITE"`

	DataDir     string `envconfig:"DATA_DIR" default:"data"`
	SQLiteFile  string `envconfig:"SQLITE_FILE" default:"licenses.db"`
	YAMLFile    string `envconfig:"YAML_FILE" default:"licenses.yml"`
	BoltFile    string `envconfig:"BOLT_FILE" default:"licenses.bolt"`
	DatabaseDSN string `envconfig:"DATABASE_DSN"`

	ListenAddr          string  `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8080"`
	APIToken            string  `envconfig:"API_TOKEN"`
	APIAuthHeaderName   string  `envconfig:"API_AUTH_HEADER_NAME" default:"Authorization"`
	APIAuthHeaderPrefix string  `envconfig:"API_AUTH_HEADER_PREFIX" default:"Bearer "`
	RateLimitRPS        float64 `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst      int     `envconfig:"RATE_LIMIT_BURST" default:"100"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	Panel PanelConfig `envconfig:"PANEL"`

	// Derived by Load from ModeName and StorageName.
	Mode    model.Mode        `ignored:"true"`
	Storage model.StorageType `ignored:"true"`

	// Warnings lists settings Load replaced with defaults. They are logged
	// once the logger exists.
	Warnings []string `ignored:"true"`
}

// PanelConfig holds the remote panel settings, read from LICENSEGATE_PANEL_*.
type PanelConfig struct {
	Enabled          bool          `envconfig:"ENABLED" default:"false"`
	BaseURL          string        `envconfig:"BASE_URL"`
	APIToken         string        `envconfig:"API_TOKEN"`
	ServerID         string        `envconfig:"SERVER_ID" default:"default"`
	AuthHeaderName   string        `envconfig:"AUTH_HEADER_NAME" default:"Authorization"`
	AuthHeaderPrefix string        `envconfig:"AUTH_HEADER_PREFIX" default:"Bearer "`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"3s"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	EndpointValidate string        `envconfig:"ENDPOINT_VALIDATE" default:"/api/licenses/validate"`
	EndpointIssue    string        `envconfig:"ENDPOINT_ISSUE" default:"/api/licenses/issue"`
	EndpointRevoke   string        `envconfig:"ENDPOINT_REVOKE" default:"/api/licenses/revoke"`
	EndpointGet      string        `envconfig:"ENDPOINT_GET" default:"/api/licenses/get"`
	RateLimitRPS     float64       `envconfig:"RATE_LIMIT_RPS" default:"20"`
}

// Active reports whether the panel is enabled and has a base URL. An enabled
// panel without a base URL is treated as disabled.
func (p PanelConfig) Active() bool {
	return p.Enabled && strings.TrimSpace(p.BaseURL) != ""
}

// Misconfigured reports whether the panel is enabled without a base URL.
func (p PanelConfig) Misconfigured() bool {
	return p.Enabled && strings.TrimSpace(p.BaseURL) == ""
}

// AuthHeaderValue returns the full auth header value sent to the panel.
func (p PanelConfig) AuthHeaderValue() string {
	return p.AuthHeaderPrefix + p.APIToken
}

// StoragePath returns the file backing the selected file-based store, or ""
// for networked backends.
func (c *Config) StoragePath() string {
	switch c.Storage {
	case model.StorageYAML:
		return filepath.Join(c.DataDir, c.YAMLFile)
	case model.StorageBolt:
		return filepath.Join(c.DataDir, c.BoltFile)
	case model.StorageSQLite:
		return filepath.Join(c.DataDir, c.SQLiteFile)
	default:
		return ""
	}
}

// SlogLevel returns the parsed log level. Load has already validated it.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))
	return level
}

// Load reads LICENSEGATE_* environment variables and returns a validated
// Config. Unknown mode and storage values fall back to HYBRID and SQLITE.
// A missing or short signing secret, a malformed duration or number, an
// and a networked backend without a DSN are errors. An unknown log level or
// format falls back to info or text and is reported in Warnings.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	cfg.SigningSecret = strings.TrimSpace(cfg.SigningSecret)
	if utf8.RuneCountInString(cfg.SigningSecret) < signing.MinSecretLength {
		return nil, ErrSigningSecret
	}

	cfg.Mode = model.ParseMode(cfg.ModeName)
	cfg.Storage = model.ParseStorageType(cfg.StorageName)

	if (cfg.Storage == model.StorageMySQL || cfg.Storage == model.StoragePostgres) &&
		strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, ErrDatabaseDSN
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("%s_LOG_LEVEL has invalid value %q, using %q", envPrefix, cfg.LogLevel, defaultLogLevel))
		cfg.LogLevel = defaultLogLevel
	}

	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("%s_LOG_FORMAT must be text or json, got %q, using %q", envPrefix, cfg.LogFormat, defaultLogFormat))
		cfg.LogFormat = defaultLogFormat
	}

	if cfg.RateLimitRPS < 0 || cfg.Panel.RateLimitRPS < 0 {
		return nil, errors.New("rate limits must not be negative")
	}

	return &cfg, nil
}
