// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Admin        AdminConfig        `yaml:"admin" json:"admin"`
	Breaker      BreakerConfig      `yaml:"breaker" json:"breaker"`
	Retry        RetryConfig        `yaml:"retry" json:"retry"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator" json:"coordinator"`
	Dependencies []DependencyConfig `yaml:"dependencies" json:"dependencies"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds admin API settings. Requests must come from an
// allowlisted network and, when a JWT secret is set, carry a bearer token.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret   string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer      string   `yaml:"issuer" json:"issuer"`
	Audience    string   `yaml:"audience" json:"audience"`
}

// BreakerConfig holds circuit breaker settings. The top-level block sets the
// defaults; per-dependency overrides replace them wholesale.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes" json:"half_open_successes"`
}

// RetryConfig holds retry backoff settings.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

// CacheConfig holds result cache settings. TTLs maps a data-type prefix
// ("billdetails", "newssearch") to its time to live; unlisted types use the
// cache's default.
type CacheConfig struct {
	MaxEntries       int                      `yaml:"max_entries" json:"max_entries"`
	SweepInterval    time.Duration            `yaml:"sweep_interval" json:"sweep_interval"`
	StateDir         string                   `yaml:"state_dir" json:"state_dir"` // empty disables disk snapshots
	SnapshotInterval time.Duration            `yaml:"snapshot_interval" json:"snapshot_interval"`
	TTLs             map[string]time.Duration `yaml:"ttls" json:"ttls"`
}

// CoordinatorConfig holds request dispatch settings.
type CoordinatorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	MinSpacing    time.Duration `yaml:"min_spacing" json:"min_spacing"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	QueueCapacity int           `yaml:"queue_capacity" json:"queue_capacity"`
}

// DependencyConfig describes one guarded upstream.
type DependencyConfig struct {
	Name    string            `yaml:"name" json:"name"`
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Breaker *BreakerConfig    `yaml:"breaker" json:"breaker,omitempty"`
	Retry   *RetryConfig      `yaml:"retry" json:"retry,omitempty"`
}

// EffectiveBreaker returns the dependency's breaker settings, falling back to
// the top-level defaults.
func (d DependencyConfig) EffectiveBreaker(defaults BreakerConfig) BreakerConfig {
	if d.Breaker != nil {
		return *d.Breaker
	}
	return defaults
}

// EffectiveRetry returns the dependency's retry settings, falling back to the
// top-level defaults.
func (d DependencyConfig) EffectiveRetry(defaults RetryConfig) RetryConfig {
	if d.Retry != nil {
		return *d.Retry
	}
	return defaults
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Breaker defaults
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenSuccesses == 0 {
		cfg.Breaker.HalfOpenSuccesses = 3
	}

	// Retry defaults
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	// Cache defaults
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Cache.SnapshotInterval == 0 {
		cfg.Cache.SnapshotInterval = 5 * time.Minute
	}

	// Coordinator defaults
	if cfg.Coordinator.MaxConcurrent == 0 {
		cfg.Coordinator.MaxConcurrent = 3
	}
	if cfg.Coordinator.MinSpacing == 0 {
		cfg.Coordinator.MinSpacing = 100 * time.Millisecond
	}
	if cfg.Coordinator.Timeout == 0 {
		cfg.Coordinator.Timeout = 15 * time.Second
	}
	if cfg.Coordinator.QueueCapacity == 0 {
		cfg.Coordinator.QueueCapacity = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if err := validateBreaker("breaker", cfg.Breaker); err != nil {
		return err
	}
	if err := validateRetry("retry", cfg.Retry); err != nil {
		return err
	}

	// Cache validation
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if cfg.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}
	if cfg.Cache.SnapshotInterval <= 0 {
		return fmt.Errorf("cache.snapshot_interval must be positive")
	}
	for dataType, ttl := range cfg.Cache.TTLs {
		if ttl <= 0 {
			return fmt.Errorf("cache.ttls[%s] must be positive", dataType)
		}
		if strings.Contains(dataType, ":") {
			return fmt.Errorf("cache.ttls[%s]: data type must not contain ':'", dataType)
		}
	}

	// Coordinator validation
	if cfg.Coordinator.MaxConcurrent < 1 {
		return fmt.Errorf("coordinator.max_concurrent must be positive")
	}
	if cfg.Coordinator.MinSpacing < 0 {
		return fmt.Errorf("coordinator.min_spacing must be non-negative")
	}
	if cfg.Coordinator.Timeout <= 0 {
		return fmt.Errorf("coordinator.timeout must be positive")
	}
	if cfg.Coordinator.QueueCapacity < 1 {
		return fmt.Errorf("coordinator.queue_capacity must be positive")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	seen := make(map[string]bool)
	for i, d := range cfg.Dependencies {
		if d.Name == "" {
			return fmt.Errorf("dependencies[%d].name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate dependency name: %s", d.Name)
		}
		seen[d.Name] = true

		if d.BaseURL != "" {
			u, err := url.Parse(d.BaseURL)
			if err != nil {
				return fmt.Errorf("dependencies[%d].base_url: invalid URL: %w", i, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("dependencies[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
			}
			if u.Host == "" {
				return fmt.Errorf("dependencies[%d].base_url: host is required", i)
			}
		}
		if d.Breaker != nil {
			if err := validateBreaker(fmt.Sprintf("dependencies[%d].breaker", i), *d.Breaker); err != nil {
				return err
			}
		}
		if d.Retry != nil {
			if err := validateRetry(fmt.Sprintf("dependencies[%d].retry", i), *d.Retry); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", prefix)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("%s.reset_timeout must be positive", prefix)
	}
	if b.HalfOpenSuccesses < 1 {
		return fmt.Errorf("%s.half_open_successes must be positive", prefix)
	}
	return nil
}

func validateRetry(prefix string, r RetryConfig) error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be non-negative", prefix)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be positive", prefix)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("%s.max_delay must be at least base_delay", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && cfg.Admin.JWTSecret == "" {
		warnings = append(warnings, "admin API is protected by IP allowlist only; no jwt_secret set")
	}
	for _, d := range cfg.Dependencies {
		for _, v := range d.Headers {
			if strings.Contains(v, "${") {
				warnings = append(warnings, fmt.Sprintf("dependencies[%s].headers contains unresolved environment variable", d.Name))
				break
			}
		}
	}
	return warnings
}
