// Package config provides configuration management for ralph.
// It supports loading configuration from environment variables, a config file,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ralphd/ralph/internal/common/logger"
)

// Config holds all configuration sections for ralph.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Tasks        TasksConfig        `mapstructure:"tasks"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      logger.Config      `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/websocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// OrchestratorConfig holds worker admission configuration.
type OrchestratorConfig struct {
	MaxWorkers   int    `mapstructure:"maxWorkers"`
	WorkspaceCwd string `mapstructure:"workspaceCwd"` // root of the managed repository
	WorkspaceID  string `mapstructure:"workspaceId"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	Kind          string `mapstructure:"kind"`  // claude, codex
	Model         string `mapstructure:"model"` // optional model override
	Watch         bool   `mapstructure:"watch"`
	MaxRetries    int    `mapstructure:"maxRetries"`
	InitialDelay  int    `mapstructure:"initialDelayMs"`
	MaxDelay      int    `mapstructure:"maxDelayMs"`
	BackoffFactor float64 `mapstructure:"backoffMultiplier"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	DefaultBranch string `mapstructure:"defaultBranch"` // empty means auto-detect
}

// TasksConfig holds the external task store configuration.
type TasksConfig struct {
	PollInterval int `mapstructure:"pollIntervalSeconds"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// Address returns the host:port listen address.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the task poll interval as a time.Duration.
func (t *TasksConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("orchestrator.maxWorkers", 3)
	v.SetDefault("orchestrator.workspaceCwd", ".")
	v.SetDefault("orchestrator.workspaceId", "default")

	v.SetDefault("agent.kind", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.watch", false)
	v.SetDefault("agent.maxRetries", 3)
	v.SetDefault("agent.initialDelayMs", 100)
	v.SetDefault("agent.maxDelayMs", 30000)
	v.SetDefault("agent.backoffMultiplier", 2.0)

	v.SetDefault("worktree.defaultBranch", "")

	v.SetDefault("tasks.pollIntervalSeconds", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ralph")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RALPH_ with snake_case
// naming; unknown variables are ignored.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env overrides from the CLI contract. AutomaticEnv does not handle
	// camelCase config keys, so these are bound explicitly.
	_ = v.BindEnv("server.port", "PORT", "RALPH_SERVER_PORT")
	_ = v.BindEnv("server.host", "HOST", "RALPH_SERVER_HOST")
	_ = v.BindEnv("tasks.pollIntervalSeconds", "BEADS_POLL_INTERVAL", "RALPH_TASKS_POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("orchestrator.workspaceCwd", "WORKSPACE_CWD", "RALPH_ORCHESTRATOR_WORKSPACE_CWD")
	_ = v.BindEnv("orchestrator.maxWorkers", "RALPH_ORCHESTRATOR_MAX_WORKERS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ralph/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Orchestrator.MaxWorkers <= 0 {
		errs = append(errs, "orchestrator.maxWorkers must be positive")
	}
	if cfg.Agent.MaxRetries < 0 {
		errs = append(errs, "agent.maxRetries must not be negative")
	}
	if cfg.Tasks.PollInterval <= 0 {
		errs = append(errs, "tasks.pollIntervalSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
