package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type UpstreamConfig struct {
	BaseURL string `yaml:"baseURL"`
	// ConnectTimeout bounds dialing the mirror; HeaderTimeout bounds the
	// wait for response headers; BodyIdleTimeout bounds the gap between
	// body chunks so a hung stream cannot leak a handler.
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	HeaderTimeout   time.Duration `yaml:"headerTimeout"`
	BodyIdleTimeout time.Duration `yaml:"bodyIdleTimeout"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load builds the immutable process configuration. An optional YAML file is
// read first; environment variables UPSTREAM_BASE, LISTEN_ADDR and LOG_LEVEL
// override it. Validation failures here are fatal at startup, never a
// per-request condition.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{ListenAddr: "0.0.0.0:8080"},
		Upstream: UpstreamConfig{
			BaseURL:         "https://cloud.r-project.org",
			ConnectTimeout:  5 * time.Second,
			HeaderTimeout:   15 * time.Second,
			BodyIdleTimeout: 60 * time.Second,
			MaxIdleConns:    8,
		},
		Log: LogConfig{Level: "info"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("UPSTREAM_BASE"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing upstream base %q: %w", c.Upstream.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("upstream base %q must be an absolute http(s) URL", c.Upstream.BaseURL)
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return fmt.Errorf("parsing listen address %q: %w", c.Server.ListenAddr, err)
	}
	if c.Upstream.ConnectTimeout <= 0 || c.Upstream.HeaderTimeout <= 0 || c.Upstream.BodyIdleTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("parsing log level %q: %w", c.Log.Level, err)
	}
	return nil
}
