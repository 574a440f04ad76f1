// Package config provides configuration management for Agor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Agor daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Unix     UnixConfig     `mapstructure:"unix"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// UnixConfig holds unix user/group provisioning configuration.
type UnixConfig struct {
	// Enabled controls whether unix-level isolation is active. When false
	// the daemon runs everything as its own identity (single-user mode).
	Enabled bool `mapstructure:"enabled"`

	// AgorGroup is the host-wide group every managed user belongs to.
	// The impersonation layer refuses to setuid to users outside it.
	AgorGroup string `mapstructure:"agorGroup"`

	// HomeBase is the directory under which managed homes are created.
	HomeBase string `mapstructure:"homeBase"`

	// UIDRangeStart/UIDRangeEnd bound the allocatable UID range.
	UIDRangeStart int `mapstructure:"uidRangeStart"`
	UIDRangeEnd   int `mapstructure:"uidRangeEnd"`

	// SudoCommand is the argv prefix for privileged helper commands.
	SudoCommand []string `mapstructure:"sudoCommand"`

	// AutoManageSymlinks controls ~user/agor/worktrees/<name> symlink fan-out.
	AutoManageSymlinks bool `mapstructure:"autoManageSymlinks"`

	// DefaultShell is the login shell assigned to managed users.
	DefaultShell string `mapstructure:"defaultShell"`
}

// AgentsConfig holds agent subprocess driver configuration.
type AgentsConfig struct {
	// ClaudeBinary, CodexBinary, GeminiBinary override the agent CLI paths.
	ClaudeBinary string `mapstructure:"claudeBinary"`
	CodexBinary  string `mapstructure:"codexBinary"`
	GeminiBinary string `mapstructure:"geminiBinary"`

	// IdleTimeoutMS is how long the driver waits without assistant
	// activity (after the fifth message) before ending the prompt.
	IdleTimeoutMS int `mapstructure:"idleTimeoutMs"`

	// ResumeMaxAgeHours bounds how old a stored sdk_session_id may be
	// before resume falls back to a fresh agent session.
	ResumeMaxAgeHours int `mapstructure:"resumeMaxAgeHours"`

	// TerminationGraceMS is the wait between the graceful termination
	// signal and SIGKILL on cancellation.
	TerminationGraceMS int `mapstructure:"terminationGraceMs"`

	// IncludePartialMessages enables token-level streaming events.
	IncludePartialMessages bool `mapstructure:"includePartialMessages"`
}

// MCPConfig holds MCP resolution configuration.
type MCPConfig struct {
	// SelfServerEnabled controls the built-in "agor" self-access server.
	SelfServerEnabled bool `mapstructure:"selfServerEnabled"`

	// SelfServerURL is the daemon's own MCP endpoint.
	SelfServerURL string `mapstructure:"selfServerUrl"`

	// RemoteShimPath is the default mcp-remote shim used to wrap
	// bearer-authenticated HTTP servers as stdio.
	RemoteShimPath string `mapstructure:"remoteShimPath"`

	// HTTPTimeout bounds token-exchange and discovery HTTP calls, in seconds.
	HTTPTimeout int `mapstructure:"httpTimeout"`

	// OAuthRedirectURL is the local callback for Authorization-Code flows.
	OAuthRedirectURL string `mapstructure:"oauthRedirectUrl"`
}

// SecretsConfig holds at-rest secret encryption configuration.
type SecretsConfig struct {
	// DataDir is where the master key lives (default: ~/.agor).
	DataDir string `mapstructure:"dataDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the driver idle timeout as a time.Duration.
func (a *AgentsConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutMS) * time.Millisecond
}

// ResumeMaxAge returns the resume staleness threshold as a time.Duration.
func (a *AgentsConfig) ResumeMaxAge() time.Duration {
	return time.Duration(a.ResumeMaxAgeHours) * time.Hour
}

// TerminationGrace returns the cancellation grace period as a time.Duration.
func (a *AgentsConfig) TerminationGrace() time.Duration {
	return time.Duration(a.TerminationGraceMS) * time.Millisecond
}

// HTTPTimeoutDuration returns the MCP HTTP timeout as a time.Duration.
func (m *MCPConfig) HTTPTimeoutDuration() time.Duration {
	return time.Duration(m.HTTPTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", defaultDataDir()+"/agor.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agor-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Unix provisioning defaults
	v.SetDefault("unix.enabled", true)
	v.SetDefault("unix.agorGroup", "agor_users")
	v.SetDefault("unix.homeBase", "/home")
	v.SetDefault("unix.uidRangeStart", 10000)
	v.SetDefault("unix.uidRangeEnd", 60000)
	v.SetDefault("unix.sudoCommand", []string{"sudo", "-n"})
	v.SetDefault("unix.autoManageSymlinks", true)
	v.SetDefault("unix.defaultShell", "/bin/bash")

	// Agent driver defaults
	v.SetDefault("agents.claudeBinary", "claude")
	v.SetDefault("agents.codexBinary", "codex")
	v.SetDefault("agents.geminiBinary", "gemini")
	v.SetDefault("agents.idleTimeoutMs", 30000)
	v.SetDefault("agents.resumeMaxAgeHours", 24)
	v.SetDefault("agents.terminationGraceMs", 5000)
	v.SetDefault("agents.includePartialMessages", true)

	// MCP defaults
	v.SetDefault("mcp.selfServerEnabled", true)
	v.SetDefault("mcp.selfServerUrl", "http://localhost:7420/mcp")
	v.SetDefault("mcp.remoteShimPath", "mcp-remote")
	v.SetDefault("mcp.httpTimeout", 15)
	v.SetDefault("mcp.oauthRedirectUrl", "http://localhost:7420/oauth/callback")

	// Secrets defaults
	v.SetDefault("secrets.dataDir", defaultDataDir())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/agor"
	}
	return filepath.Join(home, ".agor")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "AGOR_DATABASE_PATH")
	_ = v.BindEnv("unix.homeBase", "AGOR_UNIX_HOME_BASE")
	_ = v.BindEnv("unix.agorGroup", "AGOR_UNIX_AGOR_GROUP")
	_ = v.BindEnv("mcp.selfServerUrl", "AGOR_MCP_SELF_SERVER_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agor/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Unix.UIDRangeStart <= 0 || cfg.Unix.UIDRangeEnd <= cfg.Unix.UIDRangeStart {
		errs = append(errs, "unix.uidRangeStart/uidRangeEnd must describe a non-empty range")
	}
	if cfg.Unix.AgorGroup == "" {
		errs = append(errs, "unix.agorGroup is required")
	}

	if cfg.Agents.IdleTimeoutMS <= 0 {
		errs = append(errs, "agents.idleTimeoutMs must be positive")
	}
	if cfg.Agents.ResumeMaxAgeHours <= 0 {
		errs = append(errs, "agents.resumeMaxAgeHours must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
