// Command drain runs a single drain cycle over the validation queue and prints
// what happened to each item.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"validation-queue/internal/app"
	"validation-queue/internal/config"
	"validation-queue/internal/logging"
	"validation-queue/internal/worker"
)

type drainFlags struct {
	maxConcurrent int
	retryBase     time.Duration
	timeoutMS     int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := drainFlags{}
	cmd := &cobra.Command{
		Use:           "drain",
		Short:         "Process eligible validation queue items once",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxConcurrent, "max-concurrent", worker.DefaultMaxConcurrent, "items processed per cycle")
	cmd.Flags().DurationVar(&flags.retryBase, "retry-base", 2*time.Second, "base delay of the retry backoff")
	cmd.Flags().IntVar(&flags.timeoutMS, "timeout-ms", int(worker.DefaultTimeout/time.Millisecond), "per-item validation timeout in milliseconds")
	return cmd
}

func run(ctx context.Context, out io.Writer, flags drainFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireStore(); err != nil {
		return err
	}
	if flags.maxConcurrent < 1 {
		return fmt.Errorf("--max-concurrent must be at least 1")
	}
	if flags.timeoutMS <= 0 {
		return fmt.Errorf("--timeout-ms must be positive")
	}
	cfg.RetryBaseDelay = flags.retryBase
	cfg.ValidationTimeout = time.Duration(flags.timeoutMS) * time.Millisecond
	cfg.DrainMaxConcurrent = flags.maxConcurrent
	if err := cfg.CheckStaleWindow(); err != nil {
		return fmt.Errorf("--timeout-ms: %w", err)
	}

	logger := logging.New("validation-drain", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "validation-drain", logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	results, err := a.Drainer.Drain(ctx, a.DrainOptions())
	if err != nil {
		return err
	}
	printSummary(out, worker.Summarize(results))
	return nil
}

func printSummary(out io.Writer, sum worker.DrainSummary) {
	fmt.Fprintf(out, "processed=%d successful=%d failed=%d will_retry=%d skipped=%d\n",
		sum.Processed, sum.Successful, sum.Failed, sum.WillRetry, sum.Skipped)
	for _, r := range sum.Items {
		switch {
		case r.Skipped:
			fmt.Fprintf(out, "  %s skipped reason=%q\n", r.QueueID, r.Error)
		case r.Success:
			fmt.Fprintf(out, "  %s ok validation=%s\n", r.QueueID, r.ValidationID)
		case r.ShouldRetry:
			at := "-"
			if r.NextRetryAt != nil {
				at = r.NextRetryAt.Format(time.RFC3339)
			}
			fmt.Fprintf(out, "  %s retry at=%s step=%s error=%q\n", r.QueueID, at, r.ErrorStep, r.Error)
		default:
			fmt.Fprintf(out, "  %s failed step=%s error=%q\n", r.QueueID, r.ErrorStep, r.Error)
		}
	}
}
