// Package config loads the daemon's configuration: a single Config struct
// with mapstructure tags, defaults applied in code, an optional file at
// ~/.config/teleclaude/config.yaml, and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"

	"github.com/InstruktAI/teleclaude/internal/identity"
)

// Config is the daemon's full configuration.
type Config struct {
	ComputerName string               `mapstructure:"computer_name"`
	Redis        RedisConfig          `mapstructure:"redis"`
	ToolSocket   ToolSocketConfig     `mapstructure:"tool_socket"`
	Heartbeat    HeartbeatConfig      `mapstructure:"heartbeat"`
	Sessions     SessionsConfig       `mapstructure:"sessions"`
	Serve        ServeConfig          `mapstructure:"serve"`
	People       []PersonConfig       `mapstructure:"people"`
	Profiles     map[string]Profile   `mapstructure:"profiles"`
	Agents       AgentsConfig         `mapstructure:"agents"`
	Projects     []ProjectConfig      `mapstructure:"projects"`
}

// ProjectConfig names a project this computer offers through
// list_projects, so a caller can pick a working directory by name rather
// than typing an absolute path.
type ProjectConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// RedisConfig configures the connection used by internal/remote for the
// cross-node inbox/output/heartbeat streams (spec.md §4.6).
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ToolSocketConfig configures the colocated RPC socket (spec.md §6.1).
type ToolSocketConfig struct {
	Path string `mapstructure:"path"`
}

// HeartbeatConfig configures the peer registry's liveness cadence
// (spec.md §4.9).
type HeartbeatConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	TTLSeconds      int `mapstructure:"ttl_seconds"`
}

// Interval returns the heartbeat write cadence as a time.Duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// TTL returns the heartbeat key TTL as a time.Duration.
func (h HeartbeatConfig) TTL() time.Duration {
	return time.Duration(h.TTLSeconds) * time.Second
}

// SessionsConfig configures the embedded session store (internal/session).
type SessionsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServeConfig holds per-adapter settings for the daemon's chat adapters.
type ServeConfig struct {
	Telegram TelegramServeConfig `mapstructure:"telegram"`
}

// TelegramServeConfig configures the Telegram chat adapter
// (internal/chatadapter).
type TelegramServeConfig struct {
	Token            string   `mapstructure:"token"`
	AllowedUserIDs   []int64  `mapstructure:"allowed_user_ids"`
	AllowedUsernames []string `mapstructure:"allowed_usernames"`
	IdleTimeout      int      `mapstructure:"idle_timeout"`      // minutes
	InterruptTimeout int      `mapstructure:"interrupt_timeout"` // seconds, 0 = default (3)
}

// PersonConfig binds a human identity to a home path and per-adapter user
// IDs (spec.md §4.8).
type PersonConfig struct {
	Name        string   `mapstructure:"name"`
	Email       string   `mapstructure:"email"`
	Home        string   `mapstructure:"home"`
	Profile     string   `mapstructure:"profile"`
	ChatUserIDs []string `mapstructure:"chat_user_ids"`
}

// Profile is an agent permission profile (spec.md §4.8's "default" and
// "restricted" profiles, extensible via config).
type Profile struct {
	ExtraFlags    []string `mapstructure:"extra_flags"`
	ReadDirs      []string `mapstructure:"read_dirs"`
	WriteDirs     []string `mapstructure:"write_dirs"`
	ShellAllow    []string `mapstructure:"shell_allow"`
	FullAuthority bool     `mapstructure:"full_authority"`
}

// Validate compiles every ShellAllow pattern, catching a malformed glob at
// load time rather than at first use.
func (p Profile) Validate() error {
	for _, pattern := range p.ShellAllow {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid shell_allow pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// AgentsConfig maps an agent name (as named in start_session's `agent`
// argument) to the CLI command the terminal bridge launches.
type AgentsConfig struct {
	Commands map[string]string `mapstructure:"commands"`
}

// Load reads the daemon config from ~/.config/teleclaude/config.yaml (or
// ./config.yaml), applying defaults for anything unset. A missing file is
// not an error: the daemon runs on defaults plus environment overrides.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("teleclaude")
	viper.AutomaticEnv()

	for key, value := range GetDefaults() {
		viper.SetDefault(key, value)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Profiles == nil {
		cfg.Profiles = defaultProfiles()
	}
	if cfg.Agents.Commands == nil {
		cfg.Agents.Commands = defaultAgentCommands()
	}

	for name, profile := range cfg.Profiles {
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
	}

	return &cfg, nil
}

// GetDefaults returns the default configuration values, the single
// source of truth consulted both by Load and by `config show`.
func GetDefaults() map[string]any {
	return map[string]any{
		"computer_name":           defaultComputerName(),
		"redis.addr":              "localhost:6379",
		"redis.db":                0,
		"redis.key_prefix":        "teleclaude",
		"tool_socket.path":        defaultToolSocketPath(),
		"heartbeat.interval_seconds": 20,
		"heartbeat.ttl_seconds":      60,
		"sessions.enabled":        true,
		"sessions.max_age_days":   30,
		"serve.telegram.idle_timeout":      60,
		"serve.telegram.interrupt_timeout": 3,
	}
}

func defaultProfiles() map[string]Profile {
	return map[string]Profile{
		"default": {
			FullAuthority: true,
		},
		"restricted": {
			ReadDirs:   []string{identity.HelpDeskPath},
			WriteDirs:  []string{identity.HelpDeskPath},
			ShellAllow: []string{},
		},
	}
}

func defaultAgentCommands() map[string]string {
	return map[string]string{
		"claude": "claude",
		"codex":  "codex",
		"gemini": "gemini",
	}
}

func defaultComputerName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// defaultToolSocketPath returns $XDG_RUNTIME_DIR/teleclaude/<computer>.sock
// (spec.md §6.1), namespaced by computer so two nodes sharing a runtime
// directory (e.g. containers sharing a host's /tmp) never collide.
func defaultToolSocketPath() string {
	name := defaultComputerName()
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "teleclaude", name+".sock")
	}
	return filepath.Join("/tmp", "teleclaude", name+".sock")
}

// GetConfigDir returns the XDG config directory for teleclaude. Uses
// $XDG_CONFIG_HOME if set, otherwise ~/.config.
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "teleclaude"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "teleclaude"), nil
}

// GetConfigPath returns the path where the config file should be located.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Exists returns true if a config file exists.
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// SetServeTelegramConfig saves Telegram bot configuration using viper,
// merging with any existing config rather than overwriting it.
func SetServeTelegramConfig(c TelegramServeConfig) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	_ = v.ReadInConfig()

	v.Set("serve.telegram.token", c.Token)
	v.Set("serve.telegram.allowed_user_ids", c.AllowedUserIDs)
	v.Set("serve.telegram.allowed_usernames", c.AllowedUsernames)
	if c.IdleTimeout > 0 {
		v.Set("serve.telegram.idle_timeout", c.IdleTimeout)
	}
	if c.InterruptTimeout > 0 {
		v.Set("serve.telegram.interrupt_timeout", c.InterruptTimeout)
	}

	return v.WriteConfig()
}
