package main

import (
	"context"
	"fmt"
	"time"

	sawerni "github.com/xCyberpunkx/sawerni-go"
	"github.com/spf13/cobra"
)

var conversationsSort string

func init() {
	conversationsCmd.Flags().StringVar(&conversationsSort, "sort", "recent", "sort order: recent, unread, name")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(readCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, sync := getSession()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sync.RefreshConversations(ctx); err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		var order sawerni.ConversationSort
		switch conversationsSort {
		case "recent":
			order = sawerni.SortByRecent
		case "unread":
			order = sawerni.SortByUnread
		case "name":
			order = sawerni.SortByName
		default:
			return fmt.Errorf("unknown sort %q (valid: recent, unread, name)", conversationsSort)
		}

		convs := sync.ConversationsBy(order)
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			presence := " "
			if c.OtherParticipant.Online {
				presence = "*"
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = oneLine(c.LastMessage.Content, 48)
			}
			fmt.Printf("%s %-24s %-8s %s%s\n  %s\n",
				presence, c.OtherParticipant.DisplayName, formatWhen(c.LastActiveAt), c.ID, unread, preview)
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _ := getSession()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}
