package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smarthr-app/chatsync"
)

var (
	watchFocus       string
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchFocus, "focus", "", "Conversation to open and keep marked as seen")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live activity",
	Long:  "Open the live channel, print incoming messages and notifications, and keep the focused conversation marked as seen. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		wsURL, err := s.wsURL()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		logger := newLogger()
		selfID := s.cfg.Auth.UserID

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		api := s.client()
		conn := chatsync.NewConnectionManager(wsURL, &chatsync.ConnectionConfig{Logger: &logger})
		engine := chatsync.NewEngine(selfID, api, conn,
			chatsync.WithSender(api),
			chatsync.WithLogger(logger),
		)

		if err := conn.Connect(ctx, s.cfg.Auth.Token); err != nil {
			return err
		}
		defer conn.Disconnect()

		runErr := make(chan error, 1)
		go func() { runErr <- engine.Run(ctx) }()

		convs, err := engine.LoadConversations(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("conversation list unavailable")
		}
		fmt.Fprintln(out, titleStyle.Render("Conversations"))
		for _, c := range convs {
			fmt.Fprintln(out, renderConversation(c, selfID))
		}

		notes := engine.Notifications()
		defer notes.Close()

		var timeline <-chan chatsync.Update
		if watchFocus != "" {
			if err := engine.LoadHistory(ctx, watchFocus); err != nil {
				return err
			}
			engine.Presence().Focus(watchFocus)
			defer engine.Presence().Unfocus()
			if err := engine.MarkSeen(ctx, watchFocus, selfID); err != nil {
				logger.Warn().Err(err).Msg("seen receipt failed")
			}

			sub := engine.Store().Subscribe(watchFocus)
			defer sub.Close()
			timeline = sub.C()
			fmt.Fprintln(out)
			fmt.Fprintln(out, titleStyle.Render("Conversation "+watchFocus))
		}

		lastState := conn.State()
		fmt.Fprintln(out, renderState(lastState, nil))
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-runErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case n := <-notes.C():
				fmt.Fprintln(out, renderNotification(n))
			case u, ok := <-timeline:
				if !ok {
					timeline = nil
					continue
				}
				for _, m := range u.Messages {
					fmt.Fprintln(out, renderMessage(m, selfID))
				}
			case <-ticker.C:
				if state := conn.State(); state != lastState {
					lastState = state
					fmt.Fprintln(out, renderState(state, nil))
				}
			}
		}
	},
}
