package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	murmur "github.com/murmurhq/murmur-go"
	"github.com/spf13/cobra"
)

var (
	chatHistoryLimit int
	chatHistoryLocal bool
	chatTailMarkRead bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatTailCmd)

	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "number of messages to fetch")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryLocal, "local", false, "read from the local cache instead of the API")
	chatTailCmd.Flags().BoolVar(&chatTailMarkRead, "mark-read", true, "mark incoming messages as read while tailing")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "List conversations, read history, and exchange messages.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  post=%s  last=%s\n", c.ID, c.PostID, c.LastMessageAt.Format(time.RFC3339))
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if chatHistoryLocal {
			cache := openCache(cfg)
			if cache == nil {
				return fmt.Errorf("local cache unavailable")
			}
			defer cache.Close()
			msgs, err := cache.Recent(ctx, convID, chatHistoryLimit)
			if err != nil {
				return fmt.Errorf("failed to read cache: %w", err)
			}
			printMessages(msgs, cfg.Auth.UserID)
			return nil
		}

		page, err := client.ListMessages(ctx, convID, chatHistoryLimit, time.Time{})
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		// API pages are newest first; print oldest first.
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
		printMessages(page, cfg.Auth.UserID)
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send one message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		text := strings.Join(args[1:], " ")

		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.CreateMessage(ctx, convID, cfg.Auth.UserID, text)
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Printf("sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// chat tail
// ============================================================================

var chatTailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Stream a conversation: recent history first, then live messages.\nLines typed on stdin are sent optimistically; failed sends are reported with their retry id.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client, cfg := getClient()
		viewerID := cfg.Auth.UserID

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tlOpts := []murmur.TimelineOption{
			murmur.WithOnNewMessage(func(m murmur.Message) {
				printMessage(m, viewerID)
			}),
		}
		if cache := openCache(cfg); cache != nil {
			defer cache.Close()
			tlOpts = append(tlOpts, murmur.WithTimelineCache(cache))
		}
		if cfg.Default.NATSURL != "" {
			opener, err := murmur.DialNATS(cfg.Default.NATSURL, murmur.WithNATSLogger(newLogger()))
			if err != nil {
				return fmt.Errorf("failed to connect push feed: %w", err)
			}
			defer opener.Close()
			tlOpts = append(tlOpts, murmur.WithChannelOpener(opener))
		}

		tl := client.OpenTimeline(convID, viewerID, tlOpts...)
		defer tl.Close()
		tl.Start(ctx)

		snap := tl.Snapshot()
		if snap.Error != "" {
			return fmt.Errorf("%s", snap.Error)
		}
		printMessages(snap.Messages, viewerID)
		if chatTailMarkRead {
			if err := tl.MarkAsRead(ctx); err != nil {
				newLogger().Warn("mark-as-read failed", "error", err)
			}
		}

		ob := client.OpenOutbox(convID, viewerID,
			murmur.WithOnMessageSent(func(m murmur.Message) {
				tl.AddMessage(m)
			}),
			murmur.WithOnSendError(func(tempID, reason string) {
				fmt.Printf("!! send failed (%s): %s (retry with 'chat send')\n", tempID, reason)
			}),
		)
		defer ob.Close()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nbye")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				ob.Send(ctx, line)
			}
		}
	},
}

// ----------------------------------------------------------------------------

func printMessages(msgs []murmur.Message, viewerID string) {
	for _, m := range msgs {
		printMessage(m, viewerID)
	}
}

func printMessage(m murmur.Message, viewerID string) {
	who := "them"
	if m.SenderID == viewerID {
		who = "you"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
}
