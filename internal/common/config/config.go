// Package config provides configuration management for AgentDeck.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentDeck.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Projects  ProjectsConfig  `mapstructure:"projects"`
	Data      DataConfig      `mapstructure:"data"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ProjectsConfig holds the transcript root configuration.
type ProjectsConfig struct {
	// Root is the directory containing per-project transcript directories.
	Root string `mapstructure:"root"`

	// ExternalThreshold is how recently (in seconds) an unowned transcript
	// file must have been modified to classify its session as external.
	ExternalThreshold int `mapstructure:"externalThreshold"`

	// WatchDebounce is the per-path debounce for file-change events,
	// in milliseconds.
	WatchDebounce int `mapstructure:"watchDebounce"`
}

// DataConfig holds the server data directory configuration.
type DataConfig struct {
	// Dir holds auth.json, settings.json, push/, uploads/ and the
	// session-metadata database.
	Dir string `mapstructure:"dir"`
}

// AgentConfig holds agent child-process configuration.
type AgentConfig struct {
	// Command is the AI CLI binary to spawn for agent processes.
	Command string `mapstructure:"command"`

	// IdleTimeout is how long (in seconds) an idle process is kept
	// before it is reaped and its session released.
	IdleTimeout int `mapstructure:"idleTimeout"`
}

// RelayConfig holds the optional encrypted relay configuration.
type RelayConfig struct {
	// URL is the rendezvous endpoint. Empty disables the relay.
	URL string `mapstructure:"url"`
}

// UploadsConfig holds upload manager configuration.
type UploadsConfig struct {
	// MaxBytes caps a single upload. Zero means the default cap.
	MaxBytes int64 `mapstructure:"maxBytes"`
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

// ExternalThresholdDuration returns the external-session threshold as a duration.
func (p *ProjectsConfig) ExternalThresholdDuration() time.Duration {
	return time.Duration(p.ExternalThreshold) * time.Second
}

// WatchDebounceDuration returns the file-watch debounce as a duration.
func (p *ProjectsConfig) WatchDebounceDuration() time.Duration {
	return time.Duration(p.WatchDebounce) * time.Millisecond
}

// IdleTimeoutDuration returns the idle reap timeout as a duration.
func (a *AgentConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("projects.root", filepath.Join(home, ".agentdeck", "projects"))
	v.SetDefault("projects.externalThreshold", 60)
	v.SetDefault("projects.watchDebounce", 100)

	v.SetDefault("data.dir", filepath.Join(home, ".agentdeck", "data"))

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.idleTimeout", 300)

	v.SetDefault("relay.url", "")

	v.SetDefault("uploads.maxBytes", int64(64*1024*1024))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load loads the configuration from defaults, config file and environment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads the configuration, searching configPath first when set.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose config naming is camelCase.
	_ = v.BindEnv("projects.root", "AGENTDECK_PROJECTS_ROOT")
	_ = v.BindEnv("data.dir", "AGENTDECK_DATA_DIR")
	_ = v.BindEnv("relay.url", "AGENTDECK_RELAY_URL")
	_ = v.BindEnv("agent.command", "AGENTDECK_AGENT_COMMAND")
	_ = v.BindEnv("agent.idleTimeout", "AGENTDECK_AGENT_IDLE_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentdeck"))
	}

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

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Projects.Root == "" {
		return fmt.Errorf("projects.root must not be empty")
	}
	if cfg.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	return nil
}
