// Package config loads and validates the complete service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/batch"
	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/cache"
	"github.com/pagelens/renderd/internal/common/logger"
	"github.com/pagelens/renderd/internal/common/yamlutil"
	"github.com/pagelens/renderd/internal/render"
	"github.com/pagelens/renderd/pkg/types"
)

// ServerConfig is the API server section.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// AuthToken guards the render endpoints when set; empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// ClientIPHeaders are trusted, in order, for admission identity.
	ClientIPHeaders []string `yaml:"client_ip_headers"`

	ReadTimeout  types.Duration `yaml:"read_timeout"`
	WriteTimeout types.Duration `yaml:"write_timeout"`

	// WriteTimeout must exceed the longest allowed render; validated below.
	MaxRequestBodySize int `yaml:"max_request_body_size"`

	ShutdownTimeout types.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig is the metrics server section.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Log       logger.Config     `yaml:"log"`
	Browser   *browser.Config   `yaml:"browser"`
	Render    *render.Config    `yaml:"render"`
	Admission *admission.Config `yaml:"admission"`
	Cache     *cache.Config     `yaml:"cache"`
	Batch     *batch.Config     `yaml:"batch"`
	Metrics   MetricsConfig     `yaml:"metrics"`
}

// Default returns the configuration used when sections are omitted.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             ":8080",
			ReadTimeout:        types.Duration(30 * time.Second),
			WriteTimeout:       types.Duration(150 * time.Second),
			MaxRequestBodySize: 1 * 1024 * 1024,
			ShutdownTimeout:    types.Duration(30 * time.Second),
			ClientIPHeaders:    []string{"X-Forwarded-For", "X-Real-IP"},
		},
		Log:       logger.DefaultConfig(),
		Browser:   browser.DefaultConfig(),
		Render:    render.DefaultConfig(),
		Admission: admission.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "renderd",
		},
	}
}

// Load reads a YAML file over the defaults, rejecting unknown fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks every section plus the cross-section constraints.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Server.WriteTimeout.Std() <= types.MaxTimeout {
		return fmt.Errorf("server.write_timeout must exceed the maximum render timeout (%s)", types.MaxTimeout)
	}
	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" || c.Metrics.Path == "" {
			return fmt.Errorf("metrics.listen and metrics.path must be set when metrics are enabled")
		}
		if c.Metrics.Listen == c.Server.Listen {
			return fmt.Errorf("metrics.listen must differ from server.listen")
		}
	}

	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if err := c.Render.Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	return nil
}
