// Package config loads the collaboration server and client settings from
// defaults, an optional YAML file and COLLAB_ environment variables, and
// reloads them when the file changes.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "COLLAB"

// DirName is the per-user config directory under $HOME.
const DirName = ".promptstudio-collab"

//go:embed default.yml
var defaultYAML []byte

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	Client ClientConfig `mapstructure:"client"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Store  StoreConfig  `mapstructure:"store"`
	MDNS   MDNSConfig   `mapstructure:"mdns"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
}

type RoomsConfig struct {
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ClientConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
	MaxUpdateBytes    int           `mapstructure:"max_update_bytes"`
}

type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Addr            string `mapstructure:"addr"`
	ChannelPrefix   string `mapstructure:"channel_prefix"`
	ConnectAttempts uint   `mapstructure:"connect_attempts"`
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	BoltPath        string        `mapstructure:"bolt_path"`
	PostgresURL     string        `mapstructure:"postgres_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
}

type MDNSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LogLevel parses Log.Level, falling back to info.
func (c *Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager loads the configuration. An empty cfgFile searches for
// config.yml in the working directory and in $HOME/.promptstudio-collab; not
// finding one is fine. An explicit cfgFile must exist.
func NewManager(cfgFile string) (*Manager, error) {
	defaults, err := readDefaults()
	if err != nil {
		return nil, err
	}
	v := viper.New()
	for _, key := range defaults.AllKeys() {
		v.SetDefault(key, defaults.Get(key))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, DirName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	m := &Manager{v: v}
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

func (m *Manager) load() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// BindFlag lets a command-line flag override key when it is set.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if err := m.v.BindPFlag(key, flag); err != nil {
		return err
	}
	cfg, err := m.load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback for config changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WatchConfig reloads the configuration whenever the config file changes.
// It does nothing when no file was loaded.
func (m *Manager) WatchConfig() {
	if m.ConfigFile() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			log.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(*Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}

func readDefaults() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	return v, nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() (*Config, error) {
	v, err := readDefaults()
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes the built-in configuration to dir/config.yml unless a
// file is already there. It reports the path and whether it wrote it.
func WriteDefault(dir string) (string, bool, error) {
	path := filepath.Join(dir, "config.yml")
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, defaultYAML, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, true, nil
}
