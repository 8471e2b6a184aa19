package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var loginUsername string

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name for the user")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Remember the user to connect as",
	Long:  "Store the authenticated user in the local state store. Realtime commands connect as this user.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		sess := chatual.Session{UserID: args[0], Username: loginUsername}
		if err := client.Login(ctx, sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		fmt.Printf("Logged in as %s\n", valueOrDefault(sess.Username, sess.UserID))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored user",
	Long:  "Remove the stored user. Queued messages are kept and delivered after the next login.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
