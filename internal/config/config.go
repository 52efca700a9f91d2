package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHTTPTimeout bounds every outbound call a test makes.
const DefaultHTTPTimeout = 30 * time.Second

// Config is the suite's application configuration.
type Config struct {
	// Listen is the front-channel listener address.
	Listen string `yaml:"listen"`

	// BaseURL is the externally visible root of the front channel. Test
	// instances live under BaseURL/test/{id}.
	BaseURL string `yaml:"baseUrl"`

	// LogDetailURL is the page browsers land on after a callback.
	LogDetailURL string `yaml:"logDetailUrl"`

	MTLS MTLS `yaml:"mtls"`

	// Database is the sqlite file holding test records and audit events.
	Database string `yaml:"database"`

	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	LogLevel    string        `yaml:"logLevel"`

	// MaxBackgroundTasks caps queued background work per test.
	MaxBackgroundTasks int `yaml:"maxBackgroundTasks"`
}

// MTLS configures the mutually authenticated listener. It is disabled
// when Listen is empty.
type MTLS struct {
	Listen   string `yaml:"listen"`
	BaseURL  string `yaml:"baseUrl"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

// Enabled reports whether an MTLS listener should run.
func (m MTLS) Enabled() bool { return m.Listen != "" }

// Default returns a configuration that runs a local suite on port 8443.
func Default() Config {
	return Config{
		Listen:             "127.0.0.1:8443",
		BaseURL:            "http://127.0.0.1:8443",
		LogDetailURL:       "http://127.0.0.1:8443/log-detail.html",
		Database:           "conformance.db",
		HTTPTimeout:        DefaultHTTPTimeout,
		LogLevel:           "info",
		MaxBackgroundTasks: 64,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no config file, using defaults", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if err := checkURL("baseUrl", c.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.LogDetailURL != "" {
		if err := checkURL("logDetailUrl", c.LogDetailURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MTLS.Enabled() {
		if err := checkURL("mtls.baseUrl", c.MTLS.BaseURL); err != nil {
			errs = append(errs, err)
		}
		if c.MTLS.CertFile == "" || c.MTLS.KeyFile == "" {
			errs = append(errs, errors.New("mtls.certFile and mtls.keyFile are required when mtls.listen is set"))
		}
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("httpTimeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.MaxBackgroundTasks < 0 {
		errs = append(errs, fmt.Errorf("maxBackgroundTasks must not be negative, got %d", c.MaxBackgroundTasks))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
