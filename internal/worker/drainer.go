package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"validation-queue/internal/models"
	"validation-queue/internal/telemetry"
)

// DefaultMaxConcurrent is the batch size of one drain cycle.
const DefaultMaxConcurrent = 3

// DrainOptions bound one drain cycle.
type DrainOptions struct {
	MaxConcurrent int
	Timeout       time.Duration
}

// Drainer fetches eligible pending items and processes a batch of them concurrently.
type Drainer struct {
	store     Store
	processor *Processor
	logger    zerolog.Logger
}

func NewDrainer(st Store, p *Processor, logger zerolog.Logger) *Drainer {
	return &Drainer{
		store:     st,
		processor: p,
		logger:    logger.With().Str("component", "drainer").Logger(),
	}
}

// Drain runs one cycle: up to MaxConcurrent eligible items, oldest first, processed in
// parallel. It waits for every item; one item's failure never stops the others. The
// returned results follow selection order. Only a failure to list items is an error.
func (d *Drainer) Drain(ctx context.Context, opts DrainOptions) ([]models.ProcessResult, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	start := time.Now()
	defer func() { telemetry.DrainDuration.Observe(time.Since(start).Seconds()) }()

	items, err := d.store.ListPendingEligible(ctx, opts.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("list eligible items: %w", err)
	}
	results := make([]models.ProcessResult, len(items))
	if len(items) == 0 {
		return results, nil
	}

	var g errgroup.Group
	g.SetLimit(opts.MaxConcurrent)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					telemetry.ProcessPanics.Inc()
					d.logger.Error().
						Str("queue_id", item.ID).
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("processing panicked; item reported as failed")
					results[i] = models.ProcessResult{
						QueueID:   item.ID,
						ErrorStep: models.StepUnknown,
						Error:     fmt.Sprintf("processing panicked: %v", r),
					}
				}
			}()
			results[i] = d.processor.ProcessWithTimeout(ctx, item, opts.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(results)
	d.logger.Info().
		Int("processed", sum.Processed).
		Int("successful", sum.Successful).
		Int("failed", sum.Failed).
		Int("will_retry", sum.WillRetry).
		Int("skipped", sum.Skipped).
		Dur("took", time.Since(start)).
		Msg("drain cycle finished")
	return results, nil
}

// DrainSummary is the aggregate of one drain cycle. Processed counts the items this
// cycle settled; Skipped ones are listed in Items but counted nowhere else.
type DrainSummary struct {
	Processed  int                    `json:"processed"`
	Successful int                    `json:"successful"`
	Failed     int                    `json:"failed"`
	WillRetry  int                    `json:"will_retry"`
	Skipped    int                    `json:"skipped"`
	Items      []models.ProcessResult `json:"items"`
}

// Summarize counts results. Failed excludes items rescheduled for retry and skipped items.
func Summarize(results []models.ProcessResult) DrainSummary {
	sum := DrainSummary{Items: results}
	if sum.Items == nil {
		sum.Items = []models.ProcessResult{}
	}
	for _, r := range results {
		if r.Skipped {
			sum.Skipped++
			continue
		}
		sum.Processed++
		switch {
		case r.Success:
			sum.Successful++
		case r.ShouldRetry:
			sum.WillRetry++
		default:
			sum.Failed++
		}
	}
	return sum
}
