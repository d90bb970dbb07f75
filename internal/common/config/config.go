// Package config loads application configuration from files and environment
// variables using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codepod-dev/codepod/internal/common/logger"
)

// Config holds the full application configuration.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Provider ProviderConfig       `mapstructure:"provider"`
	Agent    AgentConfig          `mapstructure:"agent"`
	Reaper   ReaperConfig         `mapstructure:"reaper"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds relational store settings. Driver selects between the
// embedded SQLite store and Postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or postgres
	Path     string `mapstructure:"path"`   // sqlite3 only
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN returns the driver-specific connection string.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "sqlite3" {
		return fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", c.Path)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// NATSConfig holds event bus settings. When URL is empty the in-memory bus is
// used instead.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// ProviderConfig selects and configures the remote execution backend.
type ProviderConfig struct {
	Backend     string               `mapstructure:"backend"` // sprites or docker
	PreviewPort int                  `mapstructure:"preview_port"`
	Sprites     SpritesConfig        `mapstructure:"sprites"`
	Docker      DockerProviderConfig `mapstructure:"docker"`
}

// SpritesConfig holds settings for the sprites backend.
type SpritesConfig struct {
	Token      string `mapstructure:"token"`
	NamePrefix string `mapstructure:"name_prefix"`
}

// DockerProviderConfig holds settings for the local docker backend.
type DockerProviderConfig struct {
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
	Network string `mapstructure:"network"`
}

// AgentConfig holds settings for the coding agent CLI executed inside sandboxes.
type AgentConfig struct {
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	WorkDir        string   `mapstructure:"work_dir"`
	TimeoutMinutes int      `mapstructure:"timeout_minutes"`
	InstallScript  string   `mapstructure:"install_script"`
}

// Timeout returns the per-turn agent timeout.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ReaperConfig holds idle reaper thresholds.
type ReaperConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	IdleTimeoutMinutes    int `mapstructure:"idle_timeout_minutes"`
	MaxHibernationMinutes int `mapstructure:"max_hibernation_minutes"`
}

// Interval returns the sweep interval.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// IdleTimeout returns how long a running sandbox may sit idle before it is paused.
func (c ReaperConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// MaxHibernation returns how long a paused sandbox is kept before termination.
func (c ReaperConfig) MaxHibernation() time.Duration {
	return time.Duration(c.MaxHibernationMinutes) * time.Minute
}

// Load reads configuration from config.yaml (if present) and CODEPOD_*
// environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from an explicit config file path.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/codepod")
	}

	v.SetEnvPrefix("CODEPOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, env vars and defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "codepod.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "codepod")
	v.SetDefault("database.name", "codepod")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("nats.url", "")

	v.SetDefault("provider.backend", "docker")
	v.SetDefault("provider.preview_port", 3000)
	v.SetDefault("provider.sprites.name_prefix", "codepod")
	v.SetDefault("provider.docker.image", "codepod/sandbox:latest")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--output-format", "stream-json", "-p"})
	v.SetDefault("agent.work_dir", "/workspace")
	v.SetDefault("agent.timeout_minutes", 15)

	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.idle_timeout_minutes", 10)
	v.SetDefault("reaper.max_hibernation_minutes", 1440)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database host and name are required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Provider.Backend {
	case "sprites":
		if c.Provider.Sprites.Token == "" {
			return fmt.Errorf("sprites token is required for the sprites backend")
		}
	case "docker":
	default:
		return fmt.Errorf("unsupported provider backend: %s", c.Provider.Backend)
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent command is required")
	}

	if c.Reaper.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("reaper idle timeout must be positive")
	}
	if c.Reaper.MaxHibernationMinutes <= 0 {
		return fmt.Errorf("reaper max hibernation must be positive")
	}

	return nil
}
