package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
)

// Config holds the client configuration loaded from environment variables.
type Config struct {
	// InspectorPort is the HTTP port of the state inspector.
	// Default: 4570
	InspectorPort int `env:"INSPECTOR_PORT" envDefault:"4570"`

	// InspectorHost is the address the inspector binds to. The inspector can
	// dispatch actions, so it stays on loopback unless told otherwise.
	// Default: 127.0.0.1
	InspectorHost string `env:"INSPECTOR_HOST" envDefault:"127.0.0.1"`

	// DataDir is where persisted regions are written.
	// Default: ./data
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// APIBaseURL is the root of the CRM backend.
	// Default: http://localhost:8080
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:8080"`

	// LogLevel controls the verbosity of logging (debug, info, warn, error).
	// Default: "info"
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// RequestTimeout bounds each backend call.
	// Default: 15s
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	// KeepUnusedDataFor is how long a fulfilled query is served from cache
	// before it is refetched or pruned.
	// Default: 60s
	KeepUnusedDataFor time.Duration `env:"KEEP_UNUSED_DATA_FOR" envDefault:"60s"`

	// RefreshWindow is how long before its expiry the session is refreshed.
	// Default: 2m
	RefreshWindow time.Duration `env:"REFRESH_WINDOW" envDefault:"2m"`

	// RefreshInterval is how often the start command checks the session.
	// Default: 30s
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"30s"`

	// PersistRegions lists the regions saved to DataDir and restored at start.
	// Example: "authSlice"
	// Default: "authSlice"
	PersistRegions []string `env:"PERSIST_REGIONS" envDefault:"authSlice" envSeparator:","`
}

// Load creates a Config from the environment. Missing values take their defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	regions := make([]string, 0, len(cfg.PersistRegions))
	for _, r := range cfg.PersistRegions {
		if r = strings.TrimSpace(r); r != "" {
			regions = append(regions, r)
		}
	}
	cfg.PersistRegions = regions
	return cfg, nil
}

// IsPersisted reports whether region is in PersistRegions.
func (c *Config) IsPersisted(region string) bool {
	for _, r := range c.PersistRegions {
		if r == region {
			return true
		}
	}
	return false
}

// StateDir is the directory persisted regions are written to.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// CookieFile is where the backend's cookies are kept between runs.
func (c *Config) CookieFile() string {
	return filepath.Join(c.StateDir(), "cookies.json")
}

// InspectorAddr is the listen address of the inspector.
func (c *Config) InspectorAddr() string {
	return net.JoinHostPort(c.InspectorHost, strconv.Itoa(c.InspectorPort))
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	if c.InspectorPort <= 0 || c.InspectorPort >= 65536 {
		err = multierr.Append(err, fmt.Errorf("invalid INSPECTOR_PORT: %d (must be 1-65535)", c.InspectorPort))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, fmt.Errorf("DATA_DIR cannot be empty"))
	}
	if u, perr := url.Parse(c.APIBaseURL); perr != nil || u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("invalid API_BASE_URL: %q", c.APIBaseURL))
	}
	if c.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.RefreshWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("REFRESH_WINDOW must be positive, got %s", c.RefreshWindow))
	}
	if c.RefreshInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval))
	}
	if c.KeepUnusedDataFor < 0 {
		err = multierr.Append(err, fmt.Errorf("KEEP_UNUSED_DATA_FOR cannot be negative, got %s", c.KeepUnusedDataFor))
	}
	return err
}
