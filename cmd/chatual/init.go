package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <origin>",
	Short: "Store the Chatual origin in ~/.chatual/config.toml",
	Long:  "Initialize the Chatual CLI by storing the web origin of your deployment (e.g. https://chat.example.com).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		origin := args[0]
		endpoint, err := chatual.Endpoint(origin)
		if err != nil {
			return err
		}

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Origin = origin
		if cfg.Queue.Store == "" {
			cfg.Queue.Store = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Origin saved to %s\n", path)
		fmt.Printf("Realtime endpoint: %s\n", endpoint)
		return nil
	},
}
