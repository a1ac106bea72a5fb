// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`
	Multiplexer  MultiplexerConfig  `mapstructure:"multiplexer"`
}

// ServerConfig holds the HTTP front-end (RPC surface, health endpoint, self MCP server) configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration for the audit-event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds limits and filesystem locations for the core lifecycle manager.
type OrchestratorConfig struct {
	MaxInstances       int    `mapstructure:"maxInstances"`
	WorkspaceBaseDir   string `mapstructure:"workspaceBaseDir"`
	ArtifactsDir       string `mapstructure:"artifactsDir"`
	PreserveArtifacts  bool   `mapstructure:"preserveArtifacts"`
	PromptsDir         string `mapstructure:"promptsDir"`
	TemplatesDir       string `mapstructure:"templatesDir"`
	MonitoringStateDir string `mapstructure:"monitoringStateDir"`
	DefaultTimeout     int    `mapstructure:"defaultTimeoutMinutes"`
	// ArtifactPatterns lists the glob patterns (matched against base file
	// names) a terminated instance's workspace files must satisfy to be
	// copied into ArtifactsDir.
	ArtifactPatterns []string `mapstructure:"artifactPatterns"`
}

// DaemonConfig holds shared-state daemon transport configuration.
// Exactly one of Host/Port or SocketPath should be set; SocketPath wins when both are present.
type DaemonConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	SocketPath    string `mapstructure:"socketPath"`
	AuthKeyBase64 string `mapstructure:"authKeyBase64"`
}

// MultiplexerConfig holds terminal-multiplexer adapter configuration.
type MultiplexerConfig struct {
	// Binary is the name/path of the tmux-compatible binary to shell out to.
	Binary string `mapstructure:"binary"`
	// DefaultCols/DefaultRows size new sessions when the caller does not specify.
	DefaultCols int `mapstructure:"defaultCols"`
	DefaultRows int `mapstructure:"defaultRows"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default per-instance idle timeout.
func (o *OrchestratorConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(o.DefaultTimeout) * time.Minute
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" (human-readable) for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MADROX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "madrox-cluster")
	v.SetDefault("nats.clientId", "madrox-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("orchestrator.maxInstances", 32)
	v.SetDefault("orchestrator.workspaceBaseDir", "/tmp/madrox/workspaces")
	v.SetDefault("orchestrator.artifactsDir", "/tmp/madrox/artifacts")
	v.SetDefault("orchestrator.preserveArtifacts", true)
	v.SetDefault("orchestrator.promptsDir", "/tmp/madrox/prompts")
	v.SetDefault("orchestrator.templatesDir", "/tmp/madrox/templates")
	v.SetDefault("orchestrator.monitoringStateDir", "/tmp/madrox/monitoring_state")
	v.SetDefault("orchestrator.defaultTimeoutMinutes", 60)
	v.SetDefault("orchestrator.artifactPatterns", []string{"*.md", "*.diff", "*.patch", "*.log", "*.json"})

	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 9911)
	v.SetDefault("daemon.socketPath", "")
	v.SetDefault("daemon.authKeyBase64", "")

	v.SetDefault("multiplexer.binary", "tmux")
	v.SetDefault("multiplexer.defaultCols", 120)
	v.SetDefault("multiplexer.defaultRows", 40)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MADROX_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MADROX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("daemon.host", "MADROX_DAEMON_HOST")
	_ = v.BindEnv("daemon.port", "MADROX_DAEMON_PORT")
	_ = v.BindEnv("daemon.socketPath", "MADROX_DAEMON_SOCKET")
	_ = v.BindEnv("daemon.authKeyBase64", "MADROX_DAEMON_AUTH_KEY")
	_ = v.BindEnv("logging.level", "MADROX_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "MADROX_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/madrox/")

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

	if cfg.Orchestrator.MaxInstances <= 0 {
		errs = append(errs, "orchestrator.maxInstances must be positive")
	}
	if cfg.Orchestrator.WorkspaceBaseDir == "" {
		errs = append(errs, "orchestrator.workspaceBaseDir is required")
	}

	if cfg.Daemon.SocketPath == "" && (cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535) {
		errs = append(errs, "daemon.port must be between 1 and 65535 when no socketPath is set")
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
