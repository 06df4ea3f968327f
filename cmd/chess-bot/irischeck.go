package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/transport/iris"
)

type irisCheckOpts struct {
	baseURL string
	wsURL   string
	watch   time.Duration
}

func newIrisCheckCmd() *cobra.Command {
	opts := irisCheckOpts{
		baseURL: os.Getenv("IRIS_BASE_URL"),
		wsURL:   os.Getenv("IRIS_WS_URL"),
	}

	cmd := &cobra.Command{
		Use:   "iris-check",
		Short: "Probe the Iris HTTP and WebSocket endpoints",
		Long:  "Fetches /config from Iris and, when a WebSocket URL is set, prints incoming messages for a short window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIrisCheck(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.baseURL, "base-url", opts.baseURL, "Iris HTTP base URL (IRIS_BASE_URL)")
	cmd.Flags().StringVar(&opts.wsURL, "ws-url", opts.wsURL, "Iris WebSocket URL (IRIS_WS_URL)")
	cmd.Flags().DurationVar(&opts.watch, "watch", 10*time.Second, "how long to print WebSocket messages")
	return cmd
}

func runIrisCheck(cmd *cobra.Command, opts irisCheckOpts) error {
	if opts.baseURL == "" {
		return fmt.Errorf("IRIS_BASE_URL is required")
	}
	out := cmd.OutOrStdout()
	headers := irisEnvHeaders()

	client := iris.NewClient(opts.baseURL,
		iris.WithHeaderProvider(headers),
		iris.WithTimeout(8*time.Second),
	)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	cfg, err := client.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("/config: %w", err)
	}
	fmt.Fprintf(out, "/config ok: bot=%s id=%s port=%d\n", cfg.BotName, cfg.BotID, cfg.WebPort)

	if opts.wsURL == "" || opts.watch <= 0 {
		fmt.Fprintln(out, "IRIS_WS_URL not set; skipping WS check")
		return nil
	}

	var mu sync.Mutex
	ws := iris.NewWebSocket(opts.wsURL, 1, headers, zap.NewNop())
	ws.OnMessage(func(msg *iris.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "WS msg room=%s from=%s text=%q\n", msg.Room, msg.SenderName(), msg.Msg)
	})

	cctx, ccancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		return fmt.Errorf("ws connect: %w", err)
	}
	fmt.Fprintf(out, "WS connected; watching for %s\n", opts.watch)

	select {
	case <-time.After(opts.watch):
	case <-cmd.Context().Done():
	}
	return ws.Close(context.Background())
}

func irisEnvHeaders() iris.HeaderProvider {
	userID := os.Getenv("X_USER_ID")
	userEmail := os.Getenv("X_USER_EMAIL")
	sessionID := os.Getenv("X_SESSION_ID")
	return func() map[string]string {
		m := map[string]string{}
		if userID != "" {
			m["X-User-Id"] = userID
		}
		if userEmail != "" {
			m["X-User-Email"] = userEmail
		}
		if sessionID != "" {
			m["X-Session-Id"] = sessionID
		}
		return m
	}
}
