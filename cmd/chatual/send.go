package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var (
	sendRoom      string
	sendPhotoURL  string
	sendPhotoName string
	sendMentions  []string
	sendWait      time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendRoom, "room", "", "Room to post to (default: default.room)")
	sendCmd.Flags().StringVar(&sendPhotoURL, "photo-url", "", "URL of an uploaded photo to attach")
	sendCmd.Flags().StringVar(&sendPhotoName, "photo-name", "", "File name of the attached photo")
	sendCmd.Flags().StringSliceVar(&sendMentions, "mention", nil, "User IDs to mention (repeatable)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the connection before queueing")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message to a room",
	Long:  "Connect, join the room and send a message. If the server cannot be reached the message is queued and delivered on the next successful connection.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		room := valueOrDefault(sendRoom, cfg.Default.Room)
		if room == "" {
			return fmt.Errorf("no room given; pass --room or set default.room")
		}

		rt, _, err := connectSession(ctx, cfg, client, room)
		if err != nil {
			return err
		}
		defer rt.Close()

		waitCtx, cancel := context.WithTimeout(ctx, sendWait)
		defer cancel()
		st, _ := rt.Wait(waitCtx, chatual.StatusConnected, chatual.StatusError)

		opts := &chatual.MessageOptions{MentionedUserIDs: sendMentions}
		if sendPhotoURL != "" {
			opts.Attachment = &chatual.Attachment{URL: sendPhotoURL, FileName: sendPhotoName}
		}
		id := rt.SendMessage(strings.Join(args, " "), opts)

		if id != "" {
			fmt.Printf("Queued %s (%s)\n", id, valueOrDefault(st.LastError, string(st.Status)))
			return nil
		}

		rt.Flush(waitCtx)
		stats := client.Queue().Stats()
		fmt.Printf("Sent to %s\n", room)
		if stats.Queued > 0 || stats.Failed > 0 {
			fmt.Printf("Offline queue: %d pending, %d failed\n", stats.Queued, stats.Failed)
		}
		return nil
	},
}
