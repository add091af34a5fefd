package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	sawerni "github.com/xCyberpunkx/sawerni-go"
	"github.com/spf13/cobra"
)

var (
	historyPages int
	sendAttach   []string
)

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to load (older pages are fetched on demand)")
	sendCmd.Flags().StringSliceVar(&sendAttach, "attach", nil, "file to attach (repeatable, max 5)")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, sync := getSession()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		msgs, err := sync.Select(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		for p := 1; p < historyPages && sync.HasMore(args[0]); p++ {
			msgs, err = sync.LoadMore(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load older page: %w", err)
			}
		}

		for _, m := range msgs {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message, optionally with attachments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, sync := getSession()
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		draft := &sawerni.Draft{}
		if len(args) > 1 {
			draft.Content = args[1]
		}
		for _, path := range sendAttach {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read attachment: %w", err)
			}
			name := filepath.Base(path)
			draft.Attachments = append(draft.Attachments, &sawerni.LocalAttachment{
				Name:     name,
				MimeType: guessMime(name),
				Data:     data,
			})
		}

		msg, err := sync.Send(ctx, args[0], draft)
		if err != nil {
			if restored := sync.Draft(args[0]); restored != nil {
				fmt.Fprintln(os.Stderr, "Send failed; draft kept for retry.")
			}
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}

func printMessage(selfID string, m sawerni.Message) {
	who := "them"
	if m.SenderID == selfID {
		who = "me"
	}
	body := ""
	if m.Content != nil {
		body = *m.Content
	}
	if n := len(m.Attachments); n > 0 {
		names := make([]string, 0, n)
		for _, a := range m.Attachments {
			names = append(names, a.OriginalName)
		}
		if body != "" {
			body += " "
		}
		body += "[" + strings.Join(names, ", ") + "]"
	}
	fmt.Printf("%s  %-4s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, body)
}

func guessMime(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			return strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
