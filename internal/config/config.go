// Package config loads the offline companion configuration.
package config

import (
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
)

// Environment overrides, applied after the file.
const (
	EnvDataDir      = "PSCONSULT_DATA_DIR"
	EnvOrigin       = "PSCONSULT_ORIGIN"
	EnvBuildVersion = "PSCONSULT_BUILD_VERSION"
	EnvListen       = "PSCONSULT_LISTEN"
	EnvLogLevel     = "PSCONSULT_LOG_LEVEL"
)

// Duration is a time.Duration read from strings such as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete companion configuration.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	Listen       string `yaml:"listen"`
	Origin       string `yaml:"origin"`
	BuildVersion string `yaml:"build_version"`
	LogLevel     string `yaml:"log_level"`

	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	Intercept InterceptConfig `yaml:"intercept"`
}

// APIConfig locates the remote endpoints.
type APIConfig struct {
	Prefix         string   `yaml:"prefix"`
	SubmitPath     string   `yaml:"submit_path"`
	ConsultsPath   string   `yaml:"consults_path"`
	SchedulePath   string   `yaml:"schedule_path"`
	HealthPath     string   `yaml:"health_path"`
	RequestTimeout Duration `yaml:"request_timeout"`

	// Headers are sent with every submit and refresh request.
	Headers map[string]string `yaml:"headers"`
}

// SyncConfig controls reconciliation scheduling and retention.
type SyncConfig struct {
	RetentionDays   int      `yaml:"retention_days"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	WakeInterval    Duration `yaml:"wake_interval"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	PassTimeout     Duration `yaml:"pass_timeout"`
	WakeRateLimit   Duration `yaml:"wake_rate_limit"` // Minimum spacing of manual sync requests
}

// InterceptConfig controls the caching proxy.
type InterceptConfig struct {
	ShellManifest   []string `yaml:"shell_manifest"`
	ImageExtensions []string `yaml:"image_extensions"`
	AssetExtensions []string `yaml:"asset_extensions"`
	DiscoverAssets  bool     `yaml:"discover_assets"` // Also precache assets linked from the shell document
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:      "./data",
		Listen:       "127.0.0.1:8090",
		Origin:       "http://localhost:8000",
		BuildVersion: "dev",
		LogLevel:     "INFO",
		API: APIConfig{
			Prefix:         "/api/",
			SubmitPath:     "/api/consults/public",
			ConsultsPath:   "/api/consults/",
			SchedulePath:   "/api/schedule/",
			HealthPath:     "/api/health",
			RequestTimeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			RetentionDays:   7,
			ProbeInterval:   Duration(30 * time.Second),
			WakeInterval:    Duration(5 * time.Minute),
			RefreshInterval: Duration(15 * time.Minute),
			PassTimeout:     Duration(5 * time.Minute),
			WakeRateLimit:   Duration(10 * time.Second),
		},
		Intercept: InterceptConfig{
			ShellManifest:   []string{"/", "/manifest.json", "/icons/icon-192.png", "/icons/icon-512.png"},
			ImageExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico"},
			AssetExtensions: []string{".js", ".mjs", ".css", ".woff", ".woff2", ".ttf"},
			DiscoverAssets:  true,
		},
	}
}

// Parse reads YAML on top of the defaults. Fields absent from data keep their default.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid YAML", err)
	}
	return c, nil
}

// Load reads the file at path, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "cannot read "+path, err)
		}
		if c, err = Parse(data); err != nil {
			return nil, err
		}
	}

	c.ApplyEnv(os.LookupEnv)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from the environment via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		EnvDataDir:      &c.DataDir,
		EnvOrigin:       &c.Origin,
		EnvBuildVersion: &c.BuildVersion,
		EnvListen:       &c.Listen,
		EnvLogLevel:     &c.LogLevel,
	}
	for name, field := range overrides {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}
}

// Validate checks the configuration for values the companion cannot run with.
func (c *Config) Validate() error {
	if c.BuildVersion == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "build_version is required")
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "data_dir is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperrors.Newf(apperrors.ErrConfigInvalid, "origin %q must be an absolute URL", c.Origin)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid log_level", err)
	}
	if c.Sync.RetentionDays < 1 {
		return apperrors.Newf(apperrors.ErrConfigInvalid, "retention_days must be at least 1, got %d", c.Sync.RetentionDays)
	}

	durations := map[string]Duration{
		"api.request_timeout":   c.API.RequestTimeout,
		"sync.probe_interval":   c.Sync.ProbeInterval,
		"sync.wake_interval":    c.Sync.WakeInterval,
		"sync.refresh_interval": c.Sync.RefreshInterval,
		"sync.pass_timeout":     c.Sync.PassTimeout,
		"sync.wake_rate_limit":  c.Sync.WakeRateLimit,
	}
	for name, d := range durations {
		if d <= 0 {
			return apperrors.Newf(apperrors.ErrConfigInvalid, "%s must be positive", name)
		}
	}
	return nil
}
