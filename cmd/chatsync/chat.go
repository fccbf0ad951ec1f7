package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/smarthr-app/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyPages int
	historyJSON  bool

	// send
	sendImage   bool
	sendTimeout time.Duration
	sendJSON    bool

	// users
	usersJSON bool
)

// offlineEngine builds an engine whose live channel is never opened, so every
// outbound event takes the REST fallback.
func (s *session) offlineEngine(logger zerolog.Logger) (*chatsync.Engine, error) {
	wsURL, err := s.wsURL()
	if err != nil {
		return nil, err
	}
	api := s.client()
	conn := chatsync.NewConnectionManager(wsURL, &chatsync.ConnectionConfig{Logger: &logger})
	return chatsync.NewEngine(s.cfg.Auth.UserID, api, conn,
		chatsync.WithSender(api),
		chatsync.WithLogger(logger),
	), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		engine, err := s.offlineEngine(newLogger())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := engine.LoadConversations(ctx)
		if err != nil {
			return err
		}
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.Unread {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(cmd, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No conversations."))
			return nil
		}
		for _, c := range convs {
			fmt.Fprintln(cmd.OutOrStdout(), renderConversation(c, s.cfg.Auth.UserID))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		s, err := getSession()
		if err != nil {
			return err
		}
		engine, err := s.offlineEngine(newLogger())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.LoadHistory(ctx, convID); err != nil {
			return err
		}
		for page := 1; page < historyPages; page++ {
			more, err := engine.LoadOlder(ctx, convID)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}

		msgs := engine.Store().Messages(convID)
		if historyJSON {
			return printJSON(cmd, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No messages yet."))
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), renderMessage(m, s.cfg.Auth.UserID))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <message>",
	Short: "Send a message and wait for the server copy",
	Long:  "Send a message over the live channel and wait until the server echoes it back. Falls back to REST when the live channel is unavailable.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, receiverID, content := args[0], args[1], args[2]
		s, err := getSession()
		if err != nil {
			return err
		}
		wsURL, err := s.wsURL()
		if err != nil {
			return err
		}
		logger := newLogger()
		api := s.client()
		conn := chatsync.NewConnectionManager(wsURL, &chatsync.ConnectionConfig{Logger: &logger})
		engine := chatsync.NewEngine(s.cfg.Auth.UserID, api, conn,
			chatsync.WithSender(api),
			chatsync.WithLogger(logger),
		)

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := conn.Connect(ctx, s.cfg.Auth.Token); err != nil {
			return err
		}
		if conn.State() != chatsync.StateConnected {
			// Not worth waiting for a reconnect in a one-shot command.
			conn.Disconnect()
		}
		defer conn.Disconnect()
		go engine.Run(ctx)

		sub := engine.Store().Subscribe(convID)
		defer sub.Close()

		msgType := chatsync.MessageTypeText
		if sendImage {
			msgType = chatsync.MessageTypeImage
		}
		sent, err := engine.SendMessageType(ctx, convID, s.cfg.Auth.UserID, receiverID, msgType, content)
		if err != nil {
			return err
		}

		for sent.Local {
			select {
			case <-ctx.Done():
				return fmt.Errorf("no confirmation from server: %w", ctx.Err())
			case u, ok := <-sub.C():
				if !ok {
					return errors.New("subscription closed")
				}
				for _, m := range u.Messages {
					if m.ClientID == sent.ClientID && !m.Local {
						sent = m
					}
				}
			}
		}

		if sendJSON {
			return printJSON(cmd, sent)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to conversation %s\n", sent.ConversationID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", sent.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Status:     %s\n", sent.Status)
		return nil
	},
}

// ============================================================================
// seen
// ============================================================================

var seenCmd = &cobra.Command{
	Use:   "seen <conversation-id>",
	Short: "Mark a conversation as seen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		s, err := getSession()
		if err != nil {
			return err
		}
		engine, err := s.offlineEngine(newLogger())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := engine.LoadConversations(ctx); err != nil {
			return err
		}
		if err := engine.LoadHistory(ctx, convID); err != nil {
			return err
		}
		if err := engine.MarkSeen(ctx, convID, s.cfg.Auth.UserID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s marked as seen\n", convID)
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the user directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := s.client().Users(ctx)
		if err != nil {
			return err
		}
		if usersJSON {
			return printJSON(cmd, users)
		}
		for _, u := range users {
			if u.ID == s.cfg.Auth.UserID {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				normalStyle.Render(valueOrDefault(u.Name, "(no name)")),
				dimStyle.Render(u.ID),
				u.Email,
			)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of history pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendImage, "image", false, "Send the message as an image URL")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 20*time.Second, "How long to wait for the server copy")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(seenCmd)
	rootCmd.AddCommand(usersCmd)
}
