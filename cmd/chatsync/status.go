package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smarthr-app/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, then check the REST API and the live channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, titleStyle.Render("Configuration:"))
		fmt.Fprintf(out, "  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  WS URL:       %s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base URL)"))
		fmt.Fprintf(out, "  Company:      %s\n", valueOrDefault(cfg.Default.CompanyCode, "(not set)"))
		fmt.Fprintf(out, "  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:        (not set)")
		}

		s, err := getSession()
		if err != nil {
			fmt.Fprintln(out)
			fmt.Fprintln(out, dimStyle.Render("Live status skipped: "+err.Error()))
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Live status:"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := s.client().Conversations(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Fprintf(out, "  REST API:     %s\n", errorStyle.Render(err.Error()))
		} else {
			unread := 0
			for _, c := range convs {
				if c.Unread {
					unread++
				}
			}
			fmt.Fprintf(out, "  REST API:     OK (%d conversations, %d unread)\n", len(convs), unread)
		}

		wsURL, err := s.wsURL()
		if err != nil {
			fmt.Fprintf(out, "  Live channel: %s\n", errorStyle.Render(err.Error()))
			return nil
		}
		logger := newLogger()
		conn := chatsync.NewConnectionManager(wsURL, &chatsync.ConnectionConfig{Logger: &logger})
		err = conn.Connect(ctx, cfg.Auth.Token)
		switch {
		case errors.Is(err, chatsync.ErrUnauthorized):
			fmt.Fprintf(out, "  Live channel: %s\n", errorStyle.Render("token rejected"))
		case err != nil:
			fmt.Fprintf(out, "  Live channel: %s\n", errorStyle.Render(err.Error()))
		default:
			fmt.Fprintf(out, "  Live channel: %s\n", conn.State())
		}
		conn.Disconnect()
		return nil
	},
}
