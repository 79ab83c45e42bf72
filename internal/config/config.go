// Package config loads tasksync settings from an optional YAML file and
// TASKSYNC_* environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKSYNC_API_BASE_URL.
const EnvPrefix = "TASKSYNC"

// Config is the full configuration.
type Config struct {
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Channel ChannelConfig `yaml:"channel" mapstructure:"channel"`
	Window  WindowConfig  `yaml:"window" mapstructure:"window"`
	Timer   TimerConfig   `yaml:"timer" mapstructure:"timer"`
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Serve   ServeConfig   `yaml:"serve" mapstructure:"serve"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Source is the file the config was read from, empty when none was found.
	Source string `yaml:"-" mapstructure:"-"`
}

// APIConfig points the client at the request/response API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Token   string        `yaml:"token" mapstructure:"token"`
}

// ChannelConfig configures the push channel dialer.
type ChannelConfig struct {
	URL              string        `yaml:"url" mapstructure:"url"`
	MinReconnect     time.Duration `yaml:"min_reconnect" mapstructure:"min_reconnect"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout" mapstructure:"reconnect_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// WindowConfig is the list geometry used by the dashboard and `tasksync window`.
type WindowConfig struct {
	ItemHeight    int           `yaml:"item_height" mapstructure:"item_height"`
	Overscan      int           `yaml:"overscan" mapstructure:"overscan"`
	FrameInterval time.Duration `yaml:"frame_interval" mapstructure:"frame_interval"`
}

// TimerConfig configures the active timer display.
type TimerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
}

// JournalConfig selects the session journal database. Empty keeps it in memory.
type JournalConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServeConfig configures `tasksync serve`.
type ServeConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// Seed is an optional YAML file of entities loaded before serving.
	Seed string `yaml:"seed" mapstructure:"seed"`
}

// MetricsConfig exposes the client's Prometheus registry. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8787",
			Timeout: 10 * time.Second,
		},
		Channel: ChannelConfig{
			URL:              "ws://127.0.0.1:8787/v1/events",
			MinReconnect:     250 * time.Millisecond,
			ReconnectTimeout: 5 * time.Second,
			PingTimeout:      5 * time.Second,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Window: WindowConfig{
			ItemHeight:    1,
			Overscan:      5,
			FrameInterval: 16 * time.Millisecond,
		},
		Timer: TimerConfig{TickInterval: time.Second},
		Log:   LogConfig{Level: "info", Format: "text"},
		Serve: ServeConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load reads path when given, otherwise the first tasksync.yaml found in the
// working directory or $HOME/.config/tasksync. A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasksync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tasksync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys the file
// does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("channel.url", d.Channel.URL)
	v.SetDefault("channel.min_reconnect", d.Channel.MinReconnect)
	v.SetDefault("channel.reconnect_timeout", d.Channel.ReconnectTimeout)
	v.SetDefault("channel.ping_timeout", d.Channel.PingTimeout)
	v.SetDefault("channel.read_timeout", d.Channel.ReadTimeout)
	v.SetDefault("channel.write_timeout", d.Channel.WriteTimeout)
	v.SetDefault("window.item_height", d.Window.ItemHeight)
	v.SetDefault("window.overscan", d.Window.Overscan)
	v.SetDefault("window.frame_interval", d.Window.FrameInterval)
	v.SetDefault("timer.tick_interval", d.Timer.TickInterval)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("serve.addr", d.Serve.Addr)
	v.SetDefault("serve.seed", d.Serve.Seed)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Window.ItemHeight <= 0:
		return &InvalidError{Key: "window.item_height", Reason: "must be positive"}
	case c.Window.Overscan < 0:
		return &InvalidError{Key: "window.overscan", Reason: "must not be negative"}
	case c.Window.FrameInterval <= 0:
		return &InvalidError{Key: "window.frame_interval", Reason: "must be positive"}
	case c.Timer.TickInterval <= 0:
		return &InvalidError{Key: "timer.tick_interval", Reason: "must be positive"}
	case c.API.Timeout <= 0:
		return &InvalidError{Key: "api.timeout", Reason: "must be positive"}
	case c.Channel.MinReconnect <= 0 || c.Channel.ReconnectTimeout < c.Channel.MinReconnect:
		return &InvalidError{Key: "channel.reconnect_timeout", Reason: "must be at least channel.min_reconnect, which must be positive"}
	}
	if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("channel.url", c.Channel.URL, "ws", "wss"); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &InvalidError{Key: "log.level", Reason: err.Error()}
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return &InvalidError{Key: "log.format", Reason: fmt.Sprintf("%q is not text or json", c.Log.Format)}
	}
	return nil
}

// checkURL accepts an empty value; the command that needs it reports absence.
func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &InvalidError{Key: key, Reason: err.Error()}
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return &InvalidError{Key: key, Reason: fmt.Sprintf("%q needs a %s URL with a host", raw, strings.Join(schemes, " or "))}
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// InvalidError names the setting that failed validation.
type InvalidError struct {
	Key    string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
}
