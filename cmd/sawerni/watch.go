package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sawerni "github.com/xCyberpunkx/sawerni-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime events and keep the conversation list in sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, sync := getSession()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
		err := sync.RefreshConversations(fetchCtx)
		fetchCancel()
		if err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		rt := sawerni.NewRealtime(client.BaseURL(), &sawerni.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})

		subs := sync.Bind(rt)
		defer sawerni.UnsubscribeAll(subs)

		subs = append(subs,
			rt.OnMessage(func(m sawerni.Message) {
				printMessage(cfg.Auth.UserID, m)
			}),
			rt.OnUserOnline(func(p sawerni.PresencePayload) {
				fmt.Printf("-- %s is online\n", p.UserID)
			}),
			rt.OnUserOffline(func(p sawerni.PresencePayload) {
				fmt.Printf("-- %s went offline\n", p.UserID)
			}),
			rt.OnConversationCreated(func(c sawerni.Conversation) {
				fmt.Printf("-- new conversation %s with %s\n", c.ID, c.OtherParticipant.DisplayName)
			}),
			rt.OnDisconnected(func(code int, reason string) {
				fmt.Fprintf(os.Stderr, "-- disconnected (%d): %s\n", code, reason)
			}),
			rt.OnReconnecting(func(attempt int, delay time.Duration) {
				fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d) in %s\n", attempt, delay)
			}),
		)

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Disconnect()
		fmt.Println("Connected. Ctrl-C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}
