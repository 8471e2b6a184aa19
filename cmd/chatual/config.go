package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, without overrides")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

// builtinDefaults are the values used when a key is left unset.
var builtinDefaults = map[string]string{
	"default.origin":                  chatual.DefaultOrigin,
	"queue.store":                     "sqlite",
	"queue.redis_url":                 defaultRedisURL,
	"queue.max_size":                  "100",
	"queue.max_retries":               "3",
	"realtime.max_reconnect_attempts": "5",
	"realtime.reconnect_base_delay":   "1s",
	"realtime.reconnect_max_delay":    "30s",
	"realtime.ping_interval":          "30s",
	"realtime.typing_timeout":         "3s",
}

// envName maps a dot-notation key to its override variable.
func envName(key string) string {
	return "CHATUAL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configValues(cfg *Config) map[string]string {
	itoa := func(n int) string {
		if n == 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	return map[string]string{
		"default.origin":                  cfg.Default.Origin,
		"default.room":                    cfg.Default.Room,
		"queue.store":                     cfg.Queue.Store,
		"queue.path":                      cfg.Queue.Path,
		"queue.redis_url":                 cfg.Queue.RedisURL,
		"queue.max_size":                  itoa(cfg.Queue.MaxSize),
		"queue.max_retries":               itoa(cfg.Queue.MaxRetries),
		"realtime.max_reconnect_attempts": itoa(cfg.Realtime.MaxReconnectAttempts),
		"realtime.reconnect_base_delay":   cfg.Realtime.ReconnectBaseDelay,
		"realtime.reconnect_max_delay":    cfg.Realtime.ReconnectMaxDelay,
		"realtime.ping_interval":          cfg.Realtime.PingInterval,
		"realtime.typing_timeout":         cfg.Realtime.TypingTimeout,
	}
}

// renderConfig writes the effective configuration, one key per line, noting
// environment overrides and built-in defaults.
func renderConfig(w io.Writer, cfg *Config) {
	values := configValues(cfg)
	section := ""
	for _, key := range configKeys {
		sec, field, _ := strings.Cut(key, ".")
		if sec != section {
			if section != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "[%s]\n", sec)
			section = sec
		}

		val, note := values[key], ""
		switch {
		case os.Getenv(envName(key)) != "":
			note = "from " + envName(key)
		case val == "" && builtinDefaults[key] != "":
			val, note = builtinDefaults[key], "default"
		}
		line := fmt.Sprintf("%-24s = %q", field, val)
		if note != "" {
			line = fmt.Sprintf("%-40s # %s", line, note)
		}
		fmt.Fprintln(w, line)
	}

	origin := values["default.origin"]
	if origin == "" {
		origin = chatual.DefaultOrigin
	}
	if endpoint, err := chatual.Endpoint(origin); err != nil {
		fmt.Fprintf(w, "\n# realtime endpoint: invalid (%v)\n", err)
	} else {
		fmt.Fprintf(w, "\n# realtime endpoint: %s\n", endpoint)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Chatual configuration",
	Long: `View or modify the CLI configuration stored in ~/.chatual/config.toml.
Any key can be overridden for a single run with CHATUAL_<SECTION>_<FIELD>,
for example CHATUAL_DEFAULT_ORIGIN=https://chat.example.com.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatual init <origin>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		val, ok := configValues(cfg)[args[0]]
		if !ok {
			return fmt.Errorf("unknown key %q (valid: %s)", args[0], strings.Join(configKeys, ", "))
		}
		if val == "" {
			val = builtinDefaults[args[0]]
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatual config set queue.store redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if env := envName(key); os.Getenv(env) != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is set and overrides the stored value\n", env)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
