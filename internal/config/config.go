package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/clusterd/internal/logger"
)

// EnvPrefix selects environment overrides: workers=4 is overridden by
// CLUSTERD_WORKERS, log.file.path by CLUSTERD_LOG_FILE_PATH.
const EnvPrefix = "CLUSTERD"

// Config is the top-level TOML structure.
//
//	workers = 4
//	pidfile = "/run/clusterd/primary.pid"
//	listen = ":8080"
//	restart_timeout = "10s"
//
//	[log]
//	level = "info"
//	[log.file]
//	path = "/var/log/clusterd/cluster.log"
//
//	[app]        # forwarded verbatim to every worker
//	greeting = "hello"
type Config struct {
	Workers           int           `mapstructure:"workers"`
	PIDFile           string        `mapstructure:"pidfile"`
	Listen            string        `mapstructure:"listen"`
	RestartCooldown   time.Duration `mapstructure:"restart_cooldown"`
	RestartTimeout    time.Duration `mapstructure:"restart_timeout"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	DrainPollInterval time.Duration `mapstructure:"drain_poll_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Env               []string      `mapstructure:"env"`
	EnvFiles          []string      `mapstructure:"env_files"`
	Log               logger.Config `mapstructure:"log"`
	Metrics           MetricsConfig `mapstructure:"metrics"`
	History           HistoryConfig `mapstructure:"history"`
	Control           ControlConfig `mapstructure:"control"`

	// App is the [app] table encoded as JSON, with key case preserved.
	App json.RawMessage `mapstructure:"-"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	DSN    string `mapstructure:"dsn"`
	Buffer int    `mapstructure:"buffer"`
}

// ControlConfig enables the HTTP control API on the primary.
type ControlConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)
	v.SetDefault("pidfile", "primary.pid")
	v.SetDefault("listen", "")
	v.SetDefault("restart_cooldown", time.Second)
	v.SetDefault("restart_timeout", 10*time.Second)
	v.SetDefault("restart_delay", time.Duration(0))
	v.SetDefault("drain_poll_interval", 100*time.Millisecond)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.buffer", 256)
	v.SetDefault("control.listen", "")
	v.SetDefault("control.base_path", "/api")
}

// Load reads the TOML file at path (optional) and applies CLUSTERD_*
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	c.App = json.RawMessage("{}")
	if path != "" {
		app, err := loadAppTable(path)
		if err != nil {
			return nil, err
		}
		c.App = app
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	durations := map[string]time.Duration{
		"restart_cooldown":        c.RestartCooldown,
		"restart_timeout":         c.RestartTimeout,
		"restart_delay":           c.RestartDelay,
		"drain_poll_interval":     c.DrainPollInterval,
		"shutdown_timeout":        c.ShutdownTimeout,
		"metrics.sample_interval": c.Metrics.SampleInterval,
	}
	for k, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", k, d)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// loadAppTable re-reads the file to keep the case of [app] keys, which viper
// folds to lower case.
func loadAppTable(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var doc struct {
		App map[string]any `toml:"app"`
	}
	if err := toml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse [app] in %s: %w", path, err)
	}
	if doc.App == nil {
		return json.RawMessage("{}"), nil
	}
	out, err := json.Marshal(doc.App)
	if err != nil {
		return nil, fmt.Errorf("encode [app]: %w", err)
	}
	return out, nil
}

// WorkerEnv merges env files and the top-level env list into the variables
// given to every worker. Later sources win: files in order, then env.
func (c *Config) WorkerEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in file order.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
