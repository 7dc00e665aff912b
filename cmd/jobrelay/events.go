package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/node"
	"github.com/sneh-joshi/jobrelay/internal/transport/websocket"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Follow job events"}
	watch := &cobra.Command{
		Use:   "watch QUEUE",
		Short: "Stream a queue's events as JSON lines through the node's relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			key, _ := cmd.Flags().GetString("api-key")
			typeList, _ := cmd.Flags().GetString("types")
			filter, _ := cmd.Flags().GetString("filter")
			verbose, _ := cmd.Flags().GetBool("verbose")

			wsURL, err := relayURL(server)
			if err != nil {
				return err
			}
			logger := slog.New(slog.DiscardHandler)
			if verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := broker.NewBasic(broker.Deps{
				Dialer: websocket.NewDialer(wsURL, key, logger),
				NodeID: node.MustNewID(),
			}, broker.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := b.Init(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer func() { _ = b.Shutdown(context.Background()) }()

			var kinds []types.MessageType
			for _, t := range strings.Split(typeList, ",") {
				if t = strings.TrimSpace(t); t != "" {
					kinds = append(kinds, types.MessageType(t))
				}
			}

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			agg := events.NewAggregator(b, events.WithLogger(logger))
			td, err := agg.SubscribeFiltered(ctx, args[0], kinds, filter, func(_ context.Context, ev events.Event) error {
				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(ev)
			})
			if err != nil {
				return err
			}
			defer func() { _ = td(context.Background()) }()

			<-ctx.Done()
			return nil
		},
	}
	watch.Flags().String("types", "", "comma-separated event types (default all)")
	watch.Flags().String("filter", "", "CEL expression over the event, e.g. data.priority > 5")
	watch.Flags().BoolP("verbose", "v", false, "log connection activity to stderr")
	cmd.AddCommand(watch)
	return cmd
}

// relayURL maps the HTTP server address onto its /realtime WebSocket endpoint.
func relayURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("--server: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("--server: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	return u.String(), nil
}
