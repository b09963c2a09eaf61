package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/workzone/hostgate/internal/shell/caddy"
	"github.com/workzone/hostgate/internal/shell/dns"
	"github.com/workzone/hostgate/internal/shell/store"
	"github.com/workzone/hostgate/internal/shell/verifier"
	"github.com/workzone/hostgate/internal/shell/workers"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Store        store.Config       `mapstructure:"store" yaml:"store"`
	DNS          dns.Config         `mapstructure:"dns" yaml:"dns"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Proxy        ProxyConfig        `mapstructure:"proxy" yaml:"proxy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// VerificationConfig holds the decision chain and background poll settings.
type VerificationConfig struct {
	TrustedSuffix       string        `mapstructure:"trusted_suffix" yaml:"trusted_suffix"`
	ServerIP            string        `mapstructure:"server_ip" yaml:"server_ip"`
	ChallengePrefix     string        `mapstructure:"challenge_prefix" yaml:"challenge_prefix"`
	ProbeLabel          string        `mapstructure:"probe_label" yaml:"probe_label"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollDeadline        time.Duration `mapstructure:"poll_deadline" yaml:"poll_deadline"` // also the challenge lifetime
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks" yaml:"max_concurrent_checks"`
	JanitorSchedule     string        `mapstructure:"janitor_schedule" yaml:"janitor_schedule"`
}

// Engine returns the verification engine configuration.
func (c VerificationConfig) Engine() verifier.Config {
	return verifier.Config{
		TrustedSuffix:   c.TrustedSuffix,
		ServerIP:        c.ServerIP,
		ChallengePrefix: c.ChallengePrefix,
		ProbeLabel:      c.ProbeLabel,
		ChallengeTTL:    c.PollDeadline,
	}
}

// Poller returns the background poller configuration.
func (c VerificationConfig) Poller() workers.ChallengePollerConfig {
	cfg := workers.DefaultChallengePollerConfig()
	cfg.Interval = c.PollInterval
	cfg.MaxConcurrent = c.MaxConcurrentChecks
	return cfg
}

// ProxyConfig holds the admin API endpoint and the upstreams routed hosts
// forward to.
type ProxyConfig struct {
	AdminURL         string        `mapstructure:"admin_url" yaml:"admin_url"`
	ServerName       string        `mapstructure:"server_name" yaml:"server_name"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	APIPath          string        `mapstructure:"api_path" yaml:"api_path"`
	APIUpstream      string        `mapstructure:"api_upstream" yaml:"api_upstream"`
	FrontendUpstream string        `mapstructure:"frontend_upstream" yaml:"frontend_upstream"`
}

// Client returns the admin API client configuration.
func (c ProxyConfig) Client() caddy.Config {
	return caddy.Config{
		AdminURL:   c.AdminURL,
		ServerName: c.ServerName,
		APIKey:     c.APIKey,
		Timeout:    c.Timeout,
	}
}

// Registrar returns the route registrar configuration.
func (c ProxyConfig) Registrar() caddy.RegistrarConfig {
	return caddy.RegistrarConfig{
		APIPath:          c.APIPath,
		APIUpstream:      c.APIUpstream,
		FrontendUpstream: c.FrontendUpstream,
	}
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", "./data/hostgate.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.key_prefix", store.DefaultKeyPrefix)

	dnsDefaults := dns.DefaultConfig()
	v.SetDefault("dns.mode", dnsDefaults.Mode)
	v.SetDefault("dns.nameservers", []string{})
	v.SetDefault("dns.timeout", dnsDefaults.Timeout)
	v.SetDefault("dns.max_chase", dnsDefaults.MaxChase)

	engineDefaults := verifier.DefaultConfig()
	pollerDefaults := workers.DefaultChallengePollerConfig()
	v.SetDefault("verification.trusted_suffix", engineDefaults.TrustedSuffix)
	v.SetDefault("verification.server_ip", "")
	v.SetDefault("verification.challenge_prefix", engineDefaults.ChallengePrefix)
	v.SetDefault("verification.probe_label", engineDefaults.ProbeLabel)
	v.SetDefault("verification.poll_interval", pollerDefaults.Interval)
	v.SetDefault("verification.poll_deadline", engineDefaults.ChallengeTTL)
	v.SetDefault("verification.max_concurrent_checks", pollerDefaults.MaxConcurrent)
	v.SetDefault("verification.janitor_schedule", workers.DefaultJanitorSchedule)

	proxyDefaults := caddy.DefaultConfig()
	v.SetDefault("proxy.admin_url", proxyDefaults.AdminURL)
	v.SetDefault("proxy.server_name", proxyDefaults.ServerName)
	v.SetDefault("proxy.api_key", "")
	v.SetDefault("proxy.timeout", proxyDefaults.Timeout)
	v.SetDefault("proxy.api_path", "/api*")
	v.SetDefault("proxy.api_upstream", "localhost:8000")
	v.SetDefault("proxy.frontend_upstream", "localhost:3000")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("HOSTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate reports the first setting that would make the server misbehave.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the sqlite driver")
		}
	case store.DriverRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.DNS.Mode {
	case dns.ModeSystem, dns.ModeDirect:
	default:
		return fmt.Errorf("unknown dns.mode %q", c.DNS.Mode)
	}

	vc := c.Verification
	if vc.ServerIP != "" {
		if _, err := netip.ParseAddr(vc.ServerIP); err != nil {
			return fmt.Errorf("verification.server_ip: %w", err)
		}
	}
	if vc.PollInterval <= 0 {
		return errors.New("verification.poll_interval must be positive")
	}
	if vc.PollDeadline <= 0 {
		return errors.New("verification.poll_deadline must be positive")
	}
	if vc.PollInterval >= vc.PollDeadline {
		return fmt.Errorf("verification.poll_interval %s must be shorter than poll_deadline %s",
			vc.PollInterval, vc.PollDeadline)
	}
	if vc.MaxConcurrentChecks <= 0 {
		return errors.New("verification.max_concurrent_checks must be positive")
	}
	if _, err := workers.ParseSchedule(vc.JanitorSchedule); err != nil {
		return fmt.Errorf("verification.janitor_schedule: %w", err)
	}

	if c.Proxy.AdminURL == "" {
		return errors.New("proxy.admin_url is required")
	}
	if c.Proxy.APIUpstream == "" || c.Proxy.FrontendUpstream == "" {
		return errors.New("proxy.api_upstream and proxy.frontend_upstream are required")
	}

	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
