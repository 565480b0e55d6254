package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tomhay/moltworker/internal/auth"
	"github.com/tomhay/moltworker/internal/cron"
	"github.com/tomhay/moltworker/internal/env"
	"github.com/tomhay/moltworker/internal/gateway"
	"github.com/tomhay/moltworker/internal/logger"
	"github.com/tomhay/moltworker/internal/relay"
	mtls "github.com/tomhay/moltworker/internal/tls"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// MOLTWORKER_GATEWAY_TOKEN overrides gateway.token.
const EnvPrefix = "MOLTWORKER"

// Config represents the top-level TOML structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Auth    auth.Config   `mapstructure:"auth"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	Admin             string        `mapstructure:"admin"` // admin API base path, empty disables
	LoadingPage       bool          `mapstructure:"loading_page"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	// EnsureTimeout bounds how long a request waits for a verified gateway.
	EnsureTimeout time.Duration `mapstructure:"ensure_timeout"`
	TLS           mtls.Config   `mapstructure:"tls"`
}

type GatewayConfig struct {
	Command string `mapstructure:"command"`
	Port    int    `mapstructure:"port"`
	// Host is where the proxy reaches the gateway (relay traffic and overlay probe).
	Host  string `mapstructure:"host"`
	Token string `mapstructure:"token"`

	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout"`
	StatusTimeout  time.Duration `mapstructure:"status_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	SingleFlight   bool          `mapstructure:"single_flight"`

	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
	// AdoptExternal treats matching host processes this proxy did not start
	// (for example left over from a previous run) as gateway candidates.
	AdoptExternal bool `mapstructure:"adopt_external"`
	// Watchdog is a cron schedule that keeps a verified gateway running
	// between requests, e.g. "@every 1m". Empty disables it.
	Watchdog string `mapstructure:"watchdog"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	CaptureBytes int               `mapstructure:"capture_bytes"`
	KillWait     time.Duration     `mapstructure:"kill_wait"`
	Log          logger.FileConfig `mapstructure:"log"`
}

type RelayConfig struct {
	CloseGrace       time.Duration `mapstructure:"close_grace"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	Substitutions    []relay.Rule  `mapstructure:"substitutions"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // separate listener, empty serves on the main one
	Path    string `mapstructure:"path"`
	// ResourceInterval controls gateway CPU/RSS sampling, zero disables.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"` // DSNs, see factory.NewSinkFromDSN
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.admin", "")
	v.SetDefault("server.loading_page", true)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.ensure_timeout", "5m")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("gateway.command", "/usr/local/bin/start-gateway.sh")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.startup_timeout", gateway.DefaultStartupTimeout.String())
	v.SetDefault("gateway.verify_timeout", gateway.DefaultVerifyTimeout.String())
	v.SetDefault("gateway.status_timeout", gateway.DefaultStatusTimeout.String())
	v.SetDefault("gateway.probe_timeout", "10s")
	v.SetDefault("gateway.single_flight", true)
	v.SetDefault("gateway.include", gateway.DefaultInclude)
	v.SetDefault("gateway.exclude", gateway.DefaultExclude)
	v.SetDefault("gateway.use_os_env", true)
	v.SetDefault("gateway.kill_wait", "5s")
	v.SetDefault("gateway.adopt_external", false)
	v.SetDefault("gateway.watchdog", "")

	v.SetDefault("relay.close_grace", relay.DefaultCloseGrace.String())
	v.SetDefault("relay.handshake_timeout", relay.DefaultHandshakeTimeout.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.show_time", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.resource_interval", "15s")

	v.SetDefault("history.sinks", []string{})

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// LoadConfig reads the TOML file at path. Environment variables prefixed
// with MOLTWORKER_ override file values.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Relay.Substitutions) == 0 {
		cfg.Relay.Substitutions = append([]relay.Rule(nil), relay.DefaultRules...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the supervisor cannot act on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Gateway.Command) == "" {
		errs = append(errs, errors.New("gateway.command is required"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Gateway.Watchdog != "" {
		if err := cron.ValidateSchedule(c.Gateway.Watchdog); err != nil {
			errs = append(errs, fmt.Errorf("gateway.watchdog: %w", err))
		}
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.Admin != "" {
		switch {
		case !strings.HasPrefix(c.Server.Admin, "/"):
			errs = append(errs, fmt.Errorf("server.admin must start with '/': %q", c.Server.Admin))
		case strings.Trim(c.Server.Admin, "/ ") == "":
			errs = append(errs, fmt.Errorf("server.admin cannot be the root path: %q", c.Server.Admin))
		}
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := relay.Compile(c.Relay.Substitutions); err != nil {
		errs = append(errs, fmt.Errorf("relay.substitutions: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Matcher returns the discovery policy.
func (g GatewayConfig) Matcher() gateway.Matcher {
	return gateway.Matcher{Include: g.Include, Exclude: g.Exclude}
}

// GatewayEnv merges env_files (in order) and then the env list. The result is
// handed to the supervisor as an opaque map.
func (g GatewayConfig) GatewayEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range g.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("gateway.env_files: %w", err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(g.Env) {
		m[k] = v
	}
	return m, nil
}

// BaseEnv is the environment every gateway launch starts from.
func (g GatewayConfig) BaseEnv() *env.Env {
	e := env.New()
	if g.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(nil)
	}
	return e
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
