package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ember "github.com/emberchat/ember-go"
)

var (
	sendReplyTo string
	openNoRead  bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(withCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(rmCmd)

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	openCmd.Flags().BoolVar(&openNoRead, "no-read", false, "do not mark the conversation read on open")
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := engine.ReloadConversations(ctx); err != nil {
			return err
		}

		convs := engine.Conversations()
		if len(convs) == 0 {
			fmt.Println("No conversations yet. Start one with 'ember with <user-id>'.")
			return nil
		}

		for _, c := range convs {
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			preview := c.Preview
			if len(preview) > 60 {
				preview = preview[:57] + "..."
			}
			fmt.Printf("%-24s %-16s %-4s %s\n", c.ID, c.PartnerID, marker, preview)
		}
		fmt.Printf("\n%d unread in total\n", engine.TotalUnread())
		return nil
	},
}

// ============================================================================
// with
// ============================================================================

var withCmd = &cobra.Command{
	Use:   "with <user-id>",
	Short: "Get or create the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := engine.GetOrCreateDirect(ctx, ember.UserID(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.PartnerID)
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and tail it live",
	Long:  "Open a conversation: print its recent history, mark it read, and stream incoming messages and reactions until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := ember.ConversationID(args[0])

		changes := make(chan struct{}, 1)
		engine := getEngine(ember.WithOnChange(func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		}))
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := engine.Open(ctx, conv)
		cancel()
		if err != nil {
			return err
		}

		printed := make(map[ember.MessageID]bool)
		render := func() {
			for _, m := range engine.Messages(conv) {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(engine, m)
			}
		}
		render()

		if !openNoRead {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := engine.MarkRead(ctx, conv); err != nil {
				fmt.Fprintf(os.Stderr, "mark read failed: %v\n", err)
			}
			cancel()
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		fmt.Println("--- live, Ctrl-C to leave ---")
		for {
			select {
			case <-changes:
				render()
			case <-sig:
				fmt.Println()
				return nil
			}
		}
	},
}

func printMessage(engine *ember.Engine, m ember.Message) {
	status := ""
	if m.Pending {
		status = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content, status)
	for _, g := range engine.Reactions(m.ID) {
		fmt.Printf("        %s x%d\n", g.Emoji, g.Count)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message in a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := ember.ConversationID(args[0])
		body := args[1]

		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := engine.ReloadConversations(ctx); err != nil {
			return err
		}
		var recipient ember.UserID
		for _, c := range engine.Conversations() {
			if c.ID == conv {
				recipient = c.PartnerID
				break
			}
		}
		if recipient == "" {
			return fmt.Errorf("unknown conversation %s", conv)
		}

		var replyTo *ember.MessageID
		if sendReplyTo != "" {
			id := ember.MessageID(sendReplyTo)
			replyTo = &id
		}

		msg, err := engine.Send(ctx, conv, recipient, body, replyTo)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := ember.ConversationID(args[0])
		msg := ember.MessageID(args[1])
		emoji := strings.TrimSpace(args[2])

		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Open(ctx, conv); err != nil {
			return err
		}
		if err := engine.React(ctx, msg, emoji); err != nil {
			return err
		}

		groups := engine.Reactions(msg)
		if len(groups) == 0 {
			fmt.Println("No reactions on that message.")
			return nil
		}
		for _, g := range groups {
			you := ""
			if g.Reacted {
				you = " (you)"
			}
			fmt.Printf("%s x%d%s\n", g.Emoji, g.Count, you)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := engine.MarkRead(ctx, ember.ConversationID(args[0])); err != nil {
			return err
		}
		fmt.Println("Marked read.")
		return nil
	},
}

// ============================================================================
// rm
// ============================================================================

var rmCmd = &cobra.Command{
	Use:   "rm <conversation-id>",
	Short: "Delete your copy of a conversation",
	Long:  "Delete a conversation for this account only. The other participant keeps their copy.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := engine.DeleteConversation(ctx, ember.ConversationID(args[0])); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}
