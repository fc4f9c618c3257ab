package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/parley/errors"
	"gopkg.in/yaml.v3"
)

// Role defines one agent participating in the dialogue. Roles are loaded once
// at startup and never mutated.
type Role struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	Connector    string   `yaml:"connector"` // "acp", "cli" or "api"
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	SystemPrompt string   `yaml:"system_prompt"`
	Moderator    bool     `yaml:"moderator"`

	// CLI variant: flag used to pass the session id back on resume.
	ResumeFlag string `yaml:"resume_flag"`

	// API variant.
	Provider string `yaml:"provider"` // "anthropic", "openai", "gemini" or "bedrock"
	Model    string `yaml:"model"`
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	PerRoleCap      int           `yaml:"per_role_cap"`
	GlobalCap       int           `yaml:"global_cap"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SchedulerConfig tunes the dialogue scheduler.
type SchedulerConfig struct {
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	InterTurnPause time.Duration `yaml:"inter_turn_pause"`
	ReminderEvery  int           `yaml:"reminder_every"`
	MaxInputLength int           `yaml:"max_input_length"`
}

// CacheConfig tunes the session store's conversation cache.
type CacheConfig struct {
	Size          int           `yaml:"size"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig locates the conversation files.
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	MaxLength int    `yaml:"max_length"`
}

// TelegramConfig configures the Telegram transport adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
}

// WebConfig configures the web admin surface.
type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type Config struct {
	Roles     []Role          `yaml:"roles"`
	Pool      PoolConfig      `yaml:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".parley", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".parley", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

// LoadConfigFile loads a single explicit config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaults()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			PerRoleCap:      4,
			GlobalCap:       16,
			IdleTimeout:     60 * time.Minute,
			HealthInterval:  60 * time.Second,
			CleanupInterval: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			TurnTimeout:    30 * time.Second,
			InterTurnPause: 500 * time.Millisecond,
			ReminderEvery:  10,
			MaxInputLength: 8192,
		},
		Cache: CacheConfig{
			Size:          64,
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Storage: StorageConfig{
			Dir:       filepath.Join(".parley", "conversations"),
			MaxLength: 500,
		},
		Telegram: TelegramConfig{TokenEnv: "TELEGRAM_BOT_TOKEN"},
		Web:      WebConfig{ListenAddr: ":8080"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// FindRole returns the role with the given name.
func (c *Config) FindRole(name string) (*Role, error) {
	for i := range c.Roles {
		if c.Roles[i].Name == name {
			return &c.Roles[i], nil
		}
	}
	return nil, errors.New("role %q not found in configuration", name)
}
