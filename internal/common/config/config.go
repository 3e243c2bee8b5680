// Package config provides process-level configuration for the edge worker,
// layered from defaults, an optional cyrus.yaml, and CYRUS_* environment
// variables.
//
// This is the bootstrap configuration (listen address, logging, event bus,
// webhook auth). The domain configuration the worker orchestrates against
// (<cyrusHome>/config.json with repositories and routing) is owned by the
// config manager package and is hot-reloadable; this one is read once at
// startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the edge worker process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cyrus    CyrusConfig    `mapstructure:"cyrus"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

// ServerConfig holds the HTTP listener settings. Timeouts accept duration
// strings ("30s", "1m").
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// CyrusConfig locates the worker's home directory. Everything the worker
// persists (config.json, state documents, workspaces, backups) lives under it.
type CyrusConfig struct {
	Home string `mapstructure:"home"`
}

// WebhookConfig holds webhook intake configuration.
type WebhookConfig struct {
	Path     string `mapstructure:"path"`
	AuthMode string `mapstructure:"authMode"` // hmac or bearer
	Secret   string `mapstructure:"secret"`   // shared secret for HMAC mode
	APIKey   string `mapstructure:"apiKey"`   // token for bearer mode
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker sandbox configuration.
type DockerConfig struct {
	// Enabled controls whether runner processes may execute inside containers
	// when a repository configures a sandbox image.
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// RunnerConfig holds runner process defaults.
type RunnerConfig struct {
	// StopGraceSeconds bounds the cooperative abort window before a runner
	// process is killed.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`
}

// LoggingConfig controls worker log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json or console
	OutputPath string `mapstructure:"outputPath"` // stdout, stderr, or a file path
}

// ShutdownConfig bounds the graceful drain window.
type ShutdownConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// StopGrace returns the runner stop grace window as a time.Duration.
func (r *RunnerConfig) StopGrace() time.Duration {
	return time.Duration(r.StopGraceSeconds) * time.Second
}

// Timeout returns the shutdown drain window as a time.Duration.
func (s *ShutdownConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// HomeDir returns the expanded cyrus home directory.
func (c *CyrusConfig) HomeDir() string {
	return expandHome(c.Home)
}

// ConfigPath returns the path of the hot-reloadable domain config document.
func (c *CyrusConfig) ConfigPath() string {
	return filepath.Join(c.HomeDir(), "config.json")
}

// StateDir returns the directory holding the persisted state documents.
func (c *CyrusConfig) StateDir() string {
	return filepath.Join(c.HomeDir(), "state")
}

// WorkspacesDir returns the default base directory for issue workspaces.
func (c *CyrusConfig) WorkspacesDir() string {
	return filepath.Join(c.HomeDir(), "workspaces")
}

// BackupsDir returns the directory holding timestamped config backups.
func (c *CyrusConfig) BackupsDir() string {
	return filepath.Join(c.HomeDir(), "backups")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// detectDefaultLogFormat picks JSON when the worker looks like it is running
// under an orchestrator and console output for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults seeds every key so the worker boots with no config file at all.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)

	v.SetDefault("cyrus.home", "~/.cyrus")

	v.SetDefault("webhook.path", "/webhook")
	v.SetDefault("webhook.authMode", "bearer")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.apiKey", "")

	// An empty NATS URL selects the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cyrus-edge-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("runner.stopGraceSeconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("shutdown.timeoutSeconds", 30)
}

// Load resolves the process configuration from the default search paths
// (cyrus.yaml in the working directory or /etc/cyrus/) plus CYRUS_*
// environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra directory searched first for cyrus.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The replacer maps dots to underscores but leaves camelCase key segments
	// alone, so keys with camelCase names need their SNAKE_CASE env var bound
	// by hand.
	_ = v.BindEnv("cyrus.home", "CYRUS_HOME")
	_ = v.BindEnv("webhook.authMode", "CYRUS_WEBHOOK_AUTH_MODE")
	_ = v.BindEnv("webhook.apiKey", "CYRUS_WEBHOOK_API_KEY")
	_ = v.BindEnv("webhook.secret", "CYRUS_WEBHOOK_SECRET")
	_ = v.BindEnv("runner.stopGraceSeconds", "CYRUS_RUNNER_STOP_GRACE_SECONDS")
	_ = v.BindEnv("shutdown.timeoutSeconds", "CYRUS_SHUTDOWN_TIMEOUT_SECONDS")

	v.SetConfigName("cyrus")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cyrus/")

	// A missing file is fine; defaults and env cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// validate rejects configurations the worker cannot run with. It also fills
// the bearer token with a generated dev value when none was supplied, so a
// bare `cyrus serve` works out of the box.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Cyrus.Home) == "" {
		errs = append(errs, "cyrus.home is required")
	}

	switch cfg.Webhook.AuthMode {
	case "hmac":
		if cfg.Webhook.Secret == "" {
			errs = append(errs, "webhook.secret is required when webhook.authMode is hmac")
		}
	case "bearer":
		if cfg.Webhook.APIKey == "" {
			cfg.Webhook.APIKey = generateDevToken()
		}
	default:
		errs = append(errs, "webhook.authMode must be one of: hmac, bearer")
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}

	// NATS needs no checks: an empty URL is the in-memory bus.

	if cfg.Runner.StopGraceSeconds <= 0 {
		errs = append(errs, "runner.stopGraceSeconds must be positive")
	}
	if cfg.Shutdown.TimeoutSeconds <= 0 {
		errs = append(errs, "shutdown.timeoutSeconds must be positive")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevToken mints a throwaway bearer token. The prefix makes it
// obvious in logs and curl invocations that the deployment never configured
// CYRUS_WEBHOOK_API_KEY.
func generateDevToken() string {
	return fmt.Sprintf("dev-token-change-in-production-%d", time.Now().UnixNano())
}
