// Command jobrelay runs a job queue node and talks to one over HTTP.
//
// Usage:
//
//	jobrelay serve [--config config.yaml]
//	jobrelay jobs create QUEUE [--data JSON] [--priority N]
//	jobrelay jobs get|retry|delete QUEUE ID
//	jobrelay jobs list QUEUE [--status waiting,failed] [--limit N]
//	jobrelay jobs stats [QUEUE]
//	jobrelay events watch QUEUE [--types job.completed] [--filter CEL]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sneh-joshi/jobrelay/internal/app"
	"github.com/sneh-joshi/jobrelay/internal/config"
	"github.com/sneh-joshi/jobrelay/internal/logging"
	"github.com/sneh-joshi/jobrelay/pkg/client"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobrelay: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobrelay",
		Short:         "Job queue with real-time events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", envOr("JOBRELAY_SERVER", defaultServer), "jobrelay HTTP address")
	root.PersistentFlags().String("api-key", os.Getenv("JOBRELAY_API_KEY"), "API key sent with every request")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")

	root.AddCommand(serveCmd(), jobsCmd(), eventsCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a jobrelay node (HTTP API, broker and relay)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().String("config", "config.yaml", "path to config file")
	return cmd
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("api-key")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts := []client.ClientOption{client.WithTimeout(timeout)}
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(server, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
