package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	amqpclient "github.com/glimte/amqpclient-go"
	"github.com/glimte/amqpclient-go/config"
	"github.com/glimte/amqpclient-go/internal/transport"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

// errHandlerFailure is what the consume --fail handler returns
var errHandlerFailure = errors.New("handler failure requested with --fail")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "amqpctl",
		Short: "Declare topology, publish and consume through amqpclient",
		Long: `amqpctl drives the amqpclient reliability layer from the command line.
Connection settings come from AMQP_* environment variables or a .env file;
flags override them.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
	}

	// Global flags
	var verbose bool
	rootCmd.PersistentFlags().StringVarP(&cfg.URL, "url", "u", cfg.URL, "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&cfg.TopologyFile, "topology", "t", cfg.TopologyFile, "YAML topology file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	connect := func(ctx context.Context) (*amqpclient.Client, error) {
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		topology, err := cfg.Topology()
		if err != nil {
			return nil, err
		}

		client, err := amqpclient.New(
			amqpclient.Config{URL: cfg.URL, Topology: topology},
			amqpclient.WithLogger(logger),
			amqpclient.WithDialer(transport.NewAMQPDialer(cfg.ConnectionName)),
			amqpclient.WithReconnectDelay(cfg.ReconnectDelay),
			amqpclient.WithMaxReconnectAttempts(cfg.MaxReconnects),
			amqpclient.WithRetryDelay(cfg.RetryDelay),
			amqpclient.WithDeadLetterMode(cfg.DeadLetterMode),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		if err := client.Init(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	// Declare command
	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the configured topology and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			topology, err := cfg.Topology()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declared %s\n", topology.Summary())
			return nil
		},
	}

	// Publish command
	var (
		persistent  bool
		contentType string
		headers     []string
	)
	publishCmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <body>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []amqpclient.PublishOption{amqpclient.WithPersistent(persistent)}
			if len(table) > 0 {
				opts = append(opts, amqpclient.WithHeaders(table))
			}
			if contentType != "" {
				opts = append(opts, amqpclient.WithContentType(contentType))
			}

			if err := client.Publish(cmd.Context(), args[0], args[1], []byte(args[2]), opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d bytes to %s/%s\n", len(args[2]), args[0], args[1])
			return nil
		},
	}
	publishCmd.Flags().BoolVarP(&persistent, "persistent", "p", false, "Publish with persistent delivery mode")
	publishCmd.Flags().StringVar(&contentType, "content-type", "", "Message content type")
	publishCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")

	// Consume command
	var (
		failureQueue string
		maxAttempts  int
		fail         bool
	)
	consumeCmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume a queue until interrupted",
		Long: `Consume prints every delivery of a queue. With --fail the handler always
fails, so messages go through the retry queues and end up in --failure-queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			handler := func(ctx context.Context, d amqp.Delivery) error {
				fmt.Fprintln(out, formatDelivery(d))
				if fail {
					return errHandlerFailure
				}
				return nil
			}

			dispose, err := client.Consume(ctx, args[0], failureQueue, handler, maxAttempts)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Consuming %s... Press Ctrl+C to stop\n", args[0])
			<-ctx.Done()

			disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dispose(disposeCtx)
		},
	}
	consumeCmd.Flags().StringVarP(&failureQueue, "failure-queue", "f", "", "Queue receiving messages that exhaust their attempts")
	consumeCmd.Flags().IntVarP(&maxAttempts, "max-attempts", "m", 3, "Handler attempts per message (0 retries forever)")
	consumeCmd.Flags().BoolVar(&fail, "fail", false, "Fail every delivery")

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and print the client health report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(client.Health(ctx))
		},
	}

	rootCmd.AddCommand(declareCmd, publishCmd, consumeCmd, healthCmd)
	return rootCmd
}
