// Package config loads gateway configuration from the environment,
// with an optional YAML file overlay for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail gateway.
type Config struct {
	SMTPPort        int    `koanf:"smtp_port"`
	IMAPPort        int    `koanf:"imap_port"`
	APIBase         string `koanf:"api_base"`
	TLSKeyPath      string `koanf:"tls_key_path"`
	TLSCertPath     string `koanf:"tls_cert_path"`
	NodeEnv         string `koanf:"node_env"`
	APIKeyCacheTTL  int    `koanf:"api_key_cache_ttl"` // ms
	APITimeout      int    `koanf:"api_timeout"`       // ms
	MaxMessageSize  int    `koanf:"max_message_size"`  // bytes
	IMAPIdleTimeout int    `koanf:"imap_idle_timeout"` // ms
	CacheDir        string `koanf:"cache_dir"`
	CacheMemoryMB   int    `koanf:"cache_memory_mb"`
	CachePersistMB  int    `koanf:"cache_persistent_mb"`
	MetricsListen   string `koanf:"metrics_listen"`
}

// DefaultConfig returns a configuration with production-sane defaults,
// applied before the file and environment layers are merged in.
func DefaultConfig() *Config {
	return &Config{
		SMTPPort:        587,
		IMAPPort:        993,
		APIBase:         "https://api.xmit.sh",
		NodeEnv:         "production",
		APIKeyCacheTTL:  300_000,
		APITimeout:      30_000,
		MaxMessageSize:  10_485_760,
		IMAPIdleTimeout: 1_800_000,
		CacheDir:        "/var/lib/mailgateway/cache",
		CacheMemoryMB:   50,
		CachePersistMB:  500,
		MetricsListen:   "127.0.0.1:9090",
	}
}

// Load builds configuration from environment variables (authoritative)
// with an optional YAML file overlay at path for local overrides. path
// may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if err := k.Load(structDefaultsProvider(cfg), nil); err != nil {
		return nil, fmt.Errorf("failed to seed config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "",
		TransformFunc: func(k, v string) (string, any) {
			return strings.ToLower(k), v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// defaultsProvider adapts an already-populated *Config into a
// koanf.Provider so defaults participate in the same merge order as
// the file and environment layers.
type defaultsProvider struct{ cfg *Config }

func structDefaultsProvider(cfg *Config) koanf.Provider {
	return defaultsProvider{cfg: cfg}
}

func (d defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not supported for defaults provider")
}

func (d defaultsProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"smtp_port":           d.cfg.SMTPPort,
		"imap_port":           d.cfg.IMAPPort,
		"api_base":            d.cfg.APIBase,
		"tls_key_path":        d.cfg.TLSKeyPath,
		"tls_cert_path":       d.cfg.TLSCertPath,
		"node_env":            d.cfg.NodeEnv,
		"api_key_cache_ttl":   d.cfg.APIKeyCacheTTL,
		"api_timeout":         d.cfg.APITimeout,
		"max_message_size":    d.cfg.MaxMessageSize,
		"imap_idle_timeout":   d.cfg.IMAPIdleTimeout,
		"cache_dir":           d.cfg.CacheDir,
		"cache_memory_mb":     d.cfg.CacheMemoryMB,
		"cache_persistent_mb": d.cfg.CachePersistMB,
		"metrics_listen":      d.cfg.MetricsListen,
	}, nil
}

// IsDevelopment reports whether TLS should be disabled for plain-text
// local development (NODE_ENV=development).
func (c *Config) IsDevelopment() bool {
	return c.NodeEnv == "development"
}

// APITimeoutDuration returns APITimeout as a time.Duration.
func (c *Config) APITimeoutDuration() time.Duration {
	return time.Duration(c.APITimeout) * time.Millisecond
}

// IMAPIdleTimeoutDuration returns IMAPIdleTimeout as a time.Duration,
// capped at 28 minutes so the server re-issues its IDLE keepalive before
// a NAT or load balancer would otherwise drop the idle connection.
func (c *Config) IMAPIdleTimeoutDuration() time.Duration {
	d := time.Duration(c.IMAPIdleTimeout) * time.Millisecond
	const cap = 28 * time.Minute
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// APIKeyCacheTTLDuration returns APIKeyCacheTTL as a time.Duration.
func (c *Config) APIKeyCacheTTLDuration() time.Duration {
	return time.Duration(c.APIKeyCacheTTL) * time.Millisecond
}

// Validate checks the configuration for obvious misconfigurations.
func (c *Config) Validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("api_base is required")
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtp_port must be between 1 and 65535 (got: %d)", c.SMTPPort)
	}
	if c.IMAPPort < 1 || c.IMAPPort > 65535 {
		return fmt.Errorf("imap_port must be between 1 and 65535 (got: %d)", c.IMAPPort)
	}
	if c.SMTPPort == c.IMAPPort {
		return fmt.Errorf("smtp_port and imap_port must differ (both %d)", c.SMTPPort)
	}
	if !c.IsDevelopment() {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("tls_cert_path and tls_key_path are required outside development")
		}
	}
	if c.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes")
	}
	if c.CacheMemoryMB < 1 {
		return fmt.Errorf("cache_memory_mb must be at least 1")
	}
	if c.CachePersistMB < 1 {
		return fmt.Errorf("cache_persistent_mb must be at least 1")
	}
	return nil
}
