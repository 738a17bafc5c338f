// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: defaults, then an
// optional YAML file, then CASCADE_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Backend   BackendConfig   `yaml:"backend"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Public    PublicConfig    `yaml:"public"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the TCP listen address.
	// Environment: CASCADE_ADDR. Default: ":8420".
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds how long the HTTP server waits for
	// in-flight requests on shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds how long shutdown waits for active runs to
	// finish before cancelling them.
	// Environment: CASCADE_DRAIN_TIMEOUT. Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// AuthConfig configures the private API authentication.
type AuthConfig struct {
	// Token is a static bearer token. Empty disables static-token auth.
	// Environment: CASCADE_API_TOKEN.
	Token string `yaml:"token,omitempty"`

	// JWTSecret enables HS256 JWT bearer auth when set.
	// Environment: CASCADE_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// RatePerSecond is the private API token-bucket refill rate.
	// Default: 50.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// RateBurst is the private API token-bucket size. Default: 100.
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	// Environment: CASCADE_LOG_LEVEL. Default: "info".
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format,omitempty"`

	// AddSource adds file:line attributes to log records.
	AddSource bool `yaml:"add_source,omitempty"`
}

// Logger builds the slog configuration for internal/log.New.
func (l LogConfig) Logger() *log.Config {
	return &log.Config{
		Level:     l.Level,
		Format:    log.Format(l.Format),
		AddSource: l.AddSource,
	}
}

// EngineConfig bounds run execution.
type EngineConfig struct {
	// MaxSteps is the per-run step budget. Default: 1000.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// BlockTimeout is the per-block deadline. Default: 60s.
	BlockTimeout time.Duration `yaml:"block_timeout,omitempty"`

	// RunTimeout is the whole-run deadline for private runs.
	// Default: 5m.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`

	// MaxConcurrentRuns caps simultaneously executing runs.
	// Default: 64.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// FilesRoot is the sandbox directory for filesystem and media
	// blocks. Empty disables them.
	// Environment: CASCADE_FILES_ROOT.
	FilesRoot string `yaml:"files_root,omitempty"`
}

// WorkflowsConfig locates workflow definitions.
type WorkflowsConfig struct {
	// Dir is the definitions directory.
	// Environment: CASCADE_WORKFLOWS_DIR. Default: "./workflows".
	Dir string `yaml:"dir,omitempty"`

	// Watch reloads definitions on file changes. Default: true.
	Watch *bool `yaml:"watch,omitempty"`
}

// BackendConfig selects run storage.
type BackendConfig struct {
	// Driver is "memory" or "sqlite". Default: "memory".
	Driver string `yaml:"driver,omitempty"`

	// Path is the sqlite database file.
	// Environment: CASCADE_DB_PATH. Default: "cascade.db".
	Path string `yaml:"path,omitempty"`
}

// SecretsConfig configures the secret resolver chain.
type SecretsConfig struct {
	// EnvPrefix namespaces env-provided secrets.
	// Default: "CASCADE_SECRET_".
	EnvPrefix string `yaml:"env_prefix,omitempty"`

	// File is an optional YAML secrets file.
	// Environment: CASCADE_SECRETS_FILE.
	File string `yaml:"file,omitempty"`

	// Keyring enables the OS keyring provider. Default: false; the
	// probe can hang on headless hosts without a secret service.
	Keyring bool `yaml:"keyring,omitempty"`

	// KeyringService is the keyring service name. Default: "cascade".
	KeyringService string `yaml:"keyring_service,omitempty"`
}

// PublicConfig tunes the unauthenticated surface.
type PublicConfig struct {
	// RateLimitPerMinute is the default sliding-window cap per
	// (slug, client) pair. Default: 10.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// VersionCacheTTL bounds how long a published version is served
	// from cache after a reload. Default: 30s.
	VersionCacheTTL time.Duration `yaml:"version_cache_ttl,omitempty"`

	// RunTimeout is the whole-run deadline for public runs.
	// Default: 30s.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	watch := true
	return &Config{
		Server: ServerConfig{
			Addr:            ":8420",
			ShutdownTimeout: 10 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Auth: AuthConfig{
			RatePerSecond: 50,
			RateBurst:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxSteps:          1000,
			BlockTimeout:      60 * time.Second,
			RunTimeout:        5 * time.Minute,
			MaxConcurrentRuns: 64,
		},
		Workflows: WorkflowsConfig{
			Dir:   "./workflows",
			Watch: &watch,
		},
		Backend: BackendConfig{
			Driver: "memory",
			Path:   "cascade.db",
		},
		Secrets: SecretsConfig{
			EnvPrefix:      "CASCADE_SECRET_",
			KeyringService: "cascade",
		},
		Public: PublicConfig{
			RateLimitPerMinute: 10,
			VersionCacheTTL:    30 * time.Second,
			RunTimeout:         30 * time.Second,
		},
	}
}

// Load reads the configuration from path (optional; "" or a missing
// file keeps defaults), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, &errors.ConfigError{Key: "config", Reason: "unreadable file", Cause: err}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &errors.ConfigError{Key: "config", Reason: fmt.Sprintf("parse %s", path), Cause: err}
			}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers CASCADE_* variables over the file values.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "CASCADE_ADDR")
	setDuration(&cfg.Server.DrainTimeout, "CASCADE_DRAIN_TIMEOUT")
	setString(&cfg.Auth.Token, "CASCADE_API_TOKEN")
	setString(&cfg.Auth.JWTSecret, "CASCADE_JWT_SECRET")
	setString(&cfg.Engine.FilesRoot, "CASCADE_FILES_ROOT")
	setString(&cfg.Workflows.Dir, "CASCADE_WORKFLOWS_DIR")
	setString(&cfg.Backend.Driver, "CASCADE_BACKEND")
	setString(&cfg.Backend.Path, "CASCADE_DB_PATH")
	setString(&cfg.Secrets.File, "CASCADE_SECRETS_FILE")
	setString(&cfg.Log.Level, "CASCADE_LOG_LEVEL")
	setInt(&cfg.Public.RateLimitPerMinute, "CASCADE_PUBLIC_RATE_LIMIT")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &errors.ConfigError{Key: "server.addr", Reason: "listen address is required"}
	}
	switch c.Backend.Driver {
	case "memory", "sqlite":
	default:
		return &errors.ConfigError{Key: "backend.driver", Reason: fmt.Sprintf("unknown driver %q", c.Backend.Driver)}
	}
	if c.Backend.Driver == "sqlite" && c.Backend.Path == "" {
		return &errors.ConfigError{Key: "backend.path", Reason: "sqlite driver needs a database path"}
	}
	if c.Engine.MaxSteps <= 0 {
		return &errors.ConfigError{Key: "engine.max_steps", Reason: "step budget must be positive"}
	}
	if c.Public.RateLimitPerMinute <= 0 {
		return &errors.ConfigError{Key: "public.rate_limit_per_minute", Reason: "rate limit must be positive"}
	}
	return nil
}

// WatchEnabled reports whether hot reload is on.
func (c *Config) WatchEnabled() bool {
	return c.Workflows.Watch == nil || *c.Workflows.Watch
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
