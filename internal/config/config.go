// Package config loads todosync settings from a TOML file, TODOSYNC_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	appName    = "todosync"
	configName = "config.toml"
	envPrefix  = "TODOSYNC"
)

// Config is the resolved configuration.
type Config struct {
	// File is the config file that was read, or "" when none exists.
	File string `mapstructure:"-"`

	DatabasePath string             `mapstructure:"database_path"`
	Log          LogConfig          `mapstructure:"log"`
	CalDAV       CalDAVConfig       `mapstructure:"caldav"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
}

// LogConfig controls where log lines go.
type LogConfig struct {
	File       string `mapstructure:"file"` // empty = no log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

type CalDAVConfig struct {
	RootPath string        `mapstructure:"root_path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type SyncConfig struct {
	Attempts        int           `mapstructure:"attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// ConnectivityConfig configures the reachability probe. An empty ProbeURL
// probes the active account's server.
type ConnectivityConfig struct {
	ProbeURL string        `mapstructure:"probe_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// Dir returns the directory holding the config file and, by default, the
// database: $XDG_CONFIG_HOME/todosync.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, appName), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configName), nil
}

// Defaults returns the default settings as nested TOML tables. Durations
// are strings so they read back through viper unchanged.
func Defaults(dir string) map[string]any {
	return map[string]any{
		"database_path": filepath.Join(dir, appName+".db"),
		"log": map[string]any{
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
			"verbose":      false,
		},
		"caldav": map[string]any{
			"root_path": "/remote.php/dav",
			"timeout":   "30s",
		},
		"queue": map[string]any{
			"max_retries": 5,
		},
		"sync": map[string]any{
			"attempts":         3,
			"backoff_base":     "1s",
			"refresh_interval": "15m",
		},
		"connectivity": map[string]any{
			"probe_url": "",
			"interval":  "10s",
			"timeout":   "5s",
		},
		"dashboard": map[string]any{
			"port": 8080,
		},
	}
}

// Loader owns the viper instance settings are resolved from. Command-line
// flags are bound through Viper().BindPFlag before Load is called.
type Loader struct {
	v        *viper.Viper
	path     string
	explicit bool
}

// NewLoader creates a loader for the config file at path. An empty path
// uses DefaultPath, and a missing default file is not an error.
func NewLoader(path string) (*Loader, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	l := &Loader{v: viper.New(), path: path, explicit: path != ""}
	if !l.explicit {
		l.path = filepath.Join(dir, configName)
	}

	for key, value := range flatten("", Defaults(dir)) {
		l.v.SetDefault(key, value)
	}
	l.v.SetConfigFile(l.path)
	l.v.SetConfigType("toml")
	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	return l, nil
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the config file (if any) and resolves all settings.
func (l *Loader) Load() (*Config, error) {
	file := ""
	if _, err := os.Stat(l.path); err == nil {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
		file = l.path
	} else if !errors.Is(err, os.ErrNotExist) || l.explicit {
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the resolved settings.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1 (got %d)", c.Queue.MaxRetries)
	}
	if c.Sync.Attempts < 1 {
		return fmt.Errorf("sync.attempts must be at least 1 (got %d)", c.Sync.Attempts)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.RefreshInterval <= 0 {
		return fmt.Errorf("sync.backoff_base and sync.refresh_interval must be positive")
	}
	if c.CalDAV.Timeout <= 0 || c.Connectivity.Interval <= 0 || c.Connectivity.Timeout <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// WriteDefault writes the default settings to path as TOML. An existing
// file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open config file for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# todosync configuration\n\n"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(Defaults(filepath.Dir(path))); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Keys lists every setting as a dotted key, sorted.
func Keys() []string {
	keys := make([]string, 0, 16)
	for key := range flatten("", Defaults("")) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
