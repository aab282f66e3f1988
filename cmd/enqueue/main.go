package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/pscheid92/notifyrelay/internal/adapter/postgres"
	"github.com/pscheid92/notifyrelay/internal/adapter/redis"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/logging"
	"github.com/spf13/cobra"
)

const connectTimeout = 10 * time.Second

var (
	redisURL    string
	databaseURL string
	logLevel    string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "enqueue [body...]",
		Short: "Put a notification on the relay queue",
		Long: `Appends one message to the Redis stream the relay consumes.
The body is taken from the arguments, or from stdin when no argument or "-" is given.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logging.New(os.Stderr, logLevel, "text"))
		},
	}

	root.PersistentFlags().StringVar(&redisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379/0"), "Redis URL")
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL URL for dead-letter commands")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level")

	attachSend(root)
	root.AddCommand(deadLettersCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func attachSend(cmd *cobra.Command) {
	var (
		stream      string
		label       string
		contentType string
		channel     string
		maxLen      int64
	)

	cmd.Flags().StringVar(&stream, "stream", envOr("QUEUE_NAME", "notifications"), "stream key")
	cmd.Flags().StringVarP(&label, "label", "l", "", "message label")
	cmd.Flags().StringVarP(&contentType, "content-type", "t", domain.ContentTypeText, "text/plain or application/json")
	cmd.Flags().StringVarP(&channel, "channel", "C", "", "target channel (relay default when empty)")
	cmd.Flags().Int64Var(&maxLen, "max-len", 0, "approximate stream length cap (0 uses the default)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		body, err := readBody(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := connectRedis(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		producer := redis.NewProducer(client.Underlying(), stream, maxLen)
		id, err := producer.Enqueue(ctx, redis.OutboundMessage{
			Body:        body,
			Label:       label,
			ContentType: contentType,
			Channel:     channel,
		})
		if err != nil {
			return err
		}

		slog.Info("Message enqueued", "id", id, "stream", stream, "label", label)
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
}

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect messages the relay discarded",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recently discarded messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			messages, err := repo.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range messages {
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%q\n", m.MessageID, m.Reason, m.Label, string(m.Body))
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete discarded messages older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			repo, closeFn, err := openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := repo.Purge(cmd.Context(), clockwork.NewRealClock().Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of purged messages")

	cmd.AddCommand(list, purge)
	return cmd
}

func connectRedis(ctx context.Context) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	return redis.NewClient(ctx, redisURL, nil, clockwork.NewRealClock())
}

func openDeadLetters(ctx context.Context) (*postgres.DeadLetterRepo, func(), error) {
	if databaseURL == "" {
		return nil, nil, errors.New("--database-url or DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, databaseURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewDeadLetterRepo(pool, nil), pool.Close, nil
}

// readBody joins the arguments, or reads stdin for no arguments or a single "-".
func readBody(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	body := strings.TrimRight(string(data), "\r\n")
	if body == "" {
		return "", errors.New("message body is empty")
	}
	return body, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
