package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatual/config.toml.
// Every key can be overridden with CHATUAL_<SECTION>_<FIELD>.
type Config struct {
	Default  ConfigDefault  `toml:"default" mapstructure:"default"`
	Queue    ConfigQueue    `toml:"queue" mapstructure:"queue"`
	Realtime ConfigRealtime `toml:"realtime" mapstructure:"realtime"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	Origin string `toml:"origin" mapstructure:"origin"`
	Room   string `toml:"room" mapstructure:"room"`
}

// ConfigQueue selects and tunes the offline queue store.
type ConfigQueue struct {
	Store      string `toml:"store" mapstructure:"store"` // sqlite, bolt, redis or memory
	Path       string `toml:"path" mapstructure:"path"`
	RedisURL   string `toml:"redis_url" mapstructure:"redis_url"`
	MaxSize    int    `toml:"max_size" mapstructure:"max_size"`
	MaxRetries int    `toml:"max_retries" mapstructure:"max_retries"`
}

// ConfigRealtime tunes the connection manager. Durations use Go syntax ("1s").
type ConfigRealtime struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay" mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay" mapstructure:"reconnect_max_delay"`
	PingInterval         string `toml:"ping_interval" mapstructure:"ping_interval"`
	TypingTimeout        string `toml:"typing_timeout" mapstructure:"typing_timeout"`
}

// configKeys lists every settable key in dot notation.
var configKeys = []string{
	"default.origin",
	"default.room",
	"queue.store",
	"queue.path",
	"queue.redis_url",
	"queue.max_size",
	"queue.max_retries",
	"realtime.max_reconnect_attempts",
	"realtime.reconnect_base_delay",
	"realtime.reconnect_max_delay",
	"realtime.ping_interval",
	"realtime.typing_timeout",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatual (or $CHATUAL_HOME), creating it
// if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATUAL_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatual")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies CHATUAL_* environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	return readConfig(true)
}

// loadConfigFile reads only the stored file. Commands that save the config
// back use it so overrides are never persisted.
func loadConfigFile() (*Config, error) {
	return readConfig(false)
}

func readConfig(withEnv bool) (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if withEnv {
		v.SetEnvPrefix("CHATUAL")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		for _, key := range configKeys {
			if err := v.BindEnv(key); err != nil {
				return nil, fmt.Errorf("cannot bind %s: %w", key, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.origin").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.origin)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, nil
	}

	switch section {
	case "default":
		switch field {
		case "origin":
			cfg.Default.Origin = value
		case "room":
			cfg.Default.Room = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "queue":
		switch field {
		case "store":
			switch value {
			case "sqlite", "bolt", "redis", "memory":
			default:
				return fmt.Errorf("queue.store must be one of sqlite, bolt, redis, memory")
			}
			cfg.Queue.Store = value
		case "path":
			cfg.Queue.Path = value
		case "redis_url":
			cfg.Queue.RedisURL = value
		case "max_size":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Queue.MaxSize = n
		case "max_retries":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Queue.MaxRetries = n
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	case "realtime":
		switch field {
		case "max_reconnect_attempts":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Realtime.MaxReconnectAttempts = n
		case "reconnect_base_delay", "reconnect_max_delay", "ping_interval", "typing_timeout":
			if _, err := parseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch field {
			case "reconnect_base_delay":
				cfg.Realtime.ReconnectBaseDelay = value
			case "reconnect_max_delay":
				cfg.Realtime.ReconnectMaxDelay = value
			case "ping_interval":
				cfg.Realtime.PingInterval = value
			case "typing_timeout":
				cfg.Realtime.TypingTimeout = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, queue, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	debug  bool
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatual",
	Short: "Chatual realtime chat CLI",
	Long:  "Command-line client for Chatual.\nConnect to rooms, send messages (queued while offline), and inspect the offline queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if debug {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
