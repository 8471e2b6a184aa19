package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var statusCheck bool

func init() {
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Open a realtime connection to verify reachability")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, session and queue status",
	Long:  "Display the current configuration, the stored user, offline queue counters and, with --check, live connectivity.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Origin:   %s\n", valueOrDefault(cfg.Default.Origin, "(not set, using "+chatual.DefaultOrigin+")"))
		endpoint, err := chatual.Endpoint(client.Origin())
		if err != nil {
			fmt.Printf("  Endpoint: invalid (%v)\n", err)
		} else {
			fmt.Printf("  Endpoint: %s\n", endpoint)
		}
		fmt.Printf("  Room:     %s\n", valueOrDefault(cfg.Default.Room, "(not set)"))
		fmt.Printf("  Store:    %s\n", valueOrDefault(cfg.Queue.Store, "sqlite"))

		fmt.Println()
		fmt.Println("Session:")
		sess, err := client.Session(ctx)
		switch {
		case errors.Is(err, chatual.ErrNotFound):
			fmt.Println("  User:     (not logged in)")
		case err != nil:
			fmt.Printf("  User:     error: %v\n", err)
		default:
			fmt.Printf("  User:     %s\n", sess.UserID)
			if sess.Username != "" {
				fmt.Printf("  Username: %s\n", sess.Username)
			}
		}

		stats := client.Queue().Stats()
		fmt.Println()
		fmt.Println("Offline queue:")
		fmt.Printf("  Pending:  %d\n", stats.Queued)
		fmt.Printf("  Failed:   %d\n", stats.Failed)

		if !statusCheck || sess == nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		rc, err := realtimeConfig(cfg)
		if err != nil {
			return err
		}
		rc.MaxReconnectAttempts = -1
		rt := client.Realtime(rc)
		defer rt.Close()

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		start := time.Now()
		rt.Connect(sess.UserID)
		st, err := rt.Wait(checkCtx, chatual.StatusConnected, chatual.StatusError)
		switch {
		case err != nil:
			fmt.Printf("  Realtime: timed out (%v)\n", err)
		case st.Status == chatual.StatusConnected:
			fmt.Printf("  Realtime: connected in %s\n", time.Since(start).Round(time.Millisecond))
		default:
			fmt.Printf("  Realtime: %s (%s)\n", st.Status, st.LastError)
		}
		return nil
	},
}
