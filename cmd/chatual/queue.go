package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var (
	queueListJSON bool
	queueFlushFor time.Duration
)

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")
	queueFlushCmd.Flags().DurationVar(&queueFlushFor, "timeout", 15*time.Second, "Give up after this long")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueClearFailedCmd)
	queueCmd.AddCommand(queueFlushCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued items",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getClient(context.Background())
		if err != nil {
			return err
		}
		defer client.Close()

		items := client.Queue().Items()
		if queueListJSON {
			data, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode queue: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		if len(items) == 0 {
			fmt.Println("Offline queue is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tROOM\tRETRIES\tQUEUED AT\tCONTENT")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				it.ID, it.Kind, valueOrDefault(it.RoomID, "-"), it.RetryCount,
				it.EnqueuedAt.Local().Format(time.DateTime), truncate(it.Content, 40))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		stats := client.Queue().Stats()
		fmt.Printf("\n%d pending, %d failed\n", stats.Queued, stats.Failed)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued item",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getClient(context.Background())
		if err != nil {
			return err
		}
		defer client.Close()

		n := client.Queue().Len()
		client.Queue().ClearQueue()
		fmt.Printf("Removed %d item(s).\n", n)
		return nil
	},
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop items that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getClient(context.Background())
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Printf("Removed %d failed item(s).\n", client.Queue().ClearFailed())
		return nil
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Connect and deliver queued items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), queueFlushFor)
		defer cancel()

		cfg, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		before := client.Queue().Len()
		if client.Queue().Stats().Queued == 0 {
			fmt.Println("Nothing to deliver.")
			return nil
		}

		rt, _, err := connectSession(ctx, cfg, client, cfg.Default.Room)
		if err != nil {
			return err
		}
		defer rt.Close()

		st, err := rt.Wait(ctx, chatual.StatusConnected, chatual.StatusError)
		if err != nil || st.Status != chatual.StatusConnected {
			return fmt.Errorf("could not connect: %s", valueOrDefault(st.LastError, string(st.Status)))
		}

		res := rt.Flush(ctx)
		after := client.Queue().Stats()
		fmt.Printf("Delivered %d item(s); %d pending, %d failed\n",
			before-client.Queue().Len(), after.Queued, after.Failed)
		if res.Failed > 0 {
			fmt.Printf("%d delivery attempt(s) failed this run\n", res.Failed)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
