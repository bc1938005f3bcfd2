package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"validation-queue/internal/models"
	"validation-queue/internal/store"
	"validation-queue/internal/telemetry"
)

// DefaultTimeout bounds one remote validation call.
const DefaultTimeout = 300 * time.Second

// errInterrupted marks a call abandoned because the caller's context ended before the
// item's own timeout. It is not a validation failure.
var errInterrupted = errors.New("validation interrupted")

// Store is the part of the queue store the worker needs.
type Store interface {
	ListPendingEligible(ctx context.Context, limit int) ([]models.QueueItem, error)
	BeginAttempt(ctx context.Context, id string, at time.Time) (models.QueueItem, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, upd store.ItemUpdate) error
	InsertErrorLog(ctx context.Context, entry models.ErrorLogEntry) error
}

// Validator runs the remote validation for one request.
type Validator interface {
	Validate(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error)
}

// DeadLetter receives items that failed terminally.
type DeadLetter interface {
	Push(ctx context.Context, queueID, reason string) error
}

// Options tune a Processor. Zero values fall back to defaults.
type Options struct {
	Timeout     time.Duration
	RetryBase   time.Duration
	RetryJitter float64
}

// Processor runs single queue items through one validation attempt and records the outcome.
type Processor struct {
	store      Store
	validator  Validator
	deadLetter DeadLetter
	logger     zerolog.Logger
	opts       Options
	now        func() time.Time
	tracer     trace.Tracer
}

func NewProcessor(st Store, v Validator, logger zerolog.Logger, opts Options) *Processor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	return &Processor{
		store:     st,
		validator: v,
		logger:    logger.With().Str("component", "processor").Logger(),
		opts:      opts,
		now:       time.Now,
		tracer:    telemetry.Tracer(),
	}
}

// WithDeadLetter sets where terminally failed items are reported.
func (p *Processor) WithDeadLetter(d DeadLetter) *Processor {
	p.deadLetter = d
	return p
}

// SetClock replaces the time source, for tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Process runs one attempt for item with the configured timeout.
func (p *Processor) Process(ctx context.Context, item models.QueueItem) models.ProcessResult {
	return p.ProcessWithTimeout(ctx, item, p.opts.Timeout)
}

// ProcessWithTimeout claims item, calls the validator once and writes the outcome back.
// It never returns an error: every outcome, including a lost claim, is a ProcessResult.
func (p *Processor) ProcessWithTimeout(ctx context.Context, item models.QueueItem, timeout time.Duration) models.ProcessResult {
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}
	ctx, span := p.tracer.Start(ctx, "queue.process_item", trace.WithAttributes(attribute.String("queue.id", item.ID)))
	defer span.End()
	log := p.logger.With().Str("queue_id", item.ID).Str("user_id", item.UserID).Logger()

	if err := ctx.Err(); err != nil {
		return models.ProcessResult{QueueID: item.ID, Skipped: true, Error: fmt.Errorf("%w: %w", errInterrupted, err).Error()}
	}
	claimed, err := p.store.BeginAttempt(ctx, item.ID, p.now().UTC())
	if err != nil {
		res := models.ProcessResult{QueueID: item.ID, Error: err.Error()}
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			log.Debug().Err(err).Msg("item not claimable")
			span.SetAttributes(attribute.Bool("queue.claimed", false))
			res.Skipped = true
			return res
		}
		// The claim is one statement, so the item is still pending and will be picked up again.
		res.ShouldRetry = true
		res.ErrorStep = Classify(err)
		log.Error().Err(err).Msg("claim item")
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res
	}
	span.SetAttributes(attribute.Int("queue.attempt", claimed.Attempts))
	log = log.With().Int("attempt", claimed.Attempts).Int("max_attempts", claimed.MaxAttempts).Logger()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := p.now()
	outcome, stack, callErr := p.invoke(ctx, claimed, timeout)
	// Bookkeeping must land even when the caller gives up mid-call.
	bookCtx := context.WithoutCancel(ctx)

	if callErr == nil {
		log.Info().Str("validation_id", outcome.ValidationID).Dur("took", p.now().Sub(started)).Msg("validation completed")
		return p.complete(bookCtx, claimed, outcome, log)
	}

	if errors.Is(callErr, errInterrupted) {
		return p.release(bookCtx, claimed, callErr, log)
	}

	span.RecordError(callErr)
	span.SetStatus(codes.Error, callErr.Error())
	return p.fail(bookCtx, claimed, callErr, stack, timeout, log)
}

// release hands an interrupted item back to pending and gives back the attempt it claimed.
func (p *Processor) release(ctx context.Context, item models.QueueItem, callErr error, log zerolog.Logger) models.ProcessResult {
	res := models.ProcessResult{QueueID: item.ID, Skipped: true, Error: callErr.Error()}
	attempts := item.Attempts - 1
	err := p.store.UpdateStatus(ctx, item.ID, models.StatusPending, store.ItemUpdate{
		Attempts:     &attempts,
		FromStatuses: []models.Status{models.StatusProcessing},
	})
	if err != nil {
		p.logUpdateFailure(log, err, models.StatusPending)
		return res
	}
	log.Warn().Err(callErr).Msg("caller gave up mid-call, item released")
	return res
}

type reply struct {
	outcome models.ValidationOutcome
	stack   string
	err     error
}

// invoke races the validator against timeout. A panicking validator becomes an error.
func (p *Processor) invoke(ctx context.Context, item models.QueueItem, timeout time.Duration) (models.ValidationOutcome, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := models.ValidationRequest{
		QueueID:   item.ID,
		UserID:    item.UserID,
		ProductID: item.ProductID,
		Input:     item.InputData,
		Files:     item.FileRefs,
	}

	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.ProcessPanics.Inc()
				done <- reply{err: fmt.Errorf("validator panic: %v", r), stack: string(debug.Stack())}
			}
		}()
		out, err := p.validator.Validate(callCtx, req)
		done <- reply{outcome: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return models.ValidationOutcome{}, "", fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
			}
			if errors.Is(r.err, context.DeadlineExceeded) {
				return models.ValidationOutcome{}, "", timeoutError(timeout)
			}
			return models.ValidationOutcome{}, r.stack, r.err
		}
		if r.outcome.ValidationID == "" {
			return models.ValidationOutcome{}, "", errors.New("invalid response: validation id missing")
		}
		return r.outcome, "", nil
	case <-timer.C:
		return models.ValidationOutcome{}, "", timeoutError(timeout)
	case <-ctx.Done():
		return models.ValidationOutcome{}, "", fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("validation webhook timeout exceeded after %dms", timeout.Milliseconds())
}

func (p *Processor) complete(ctx context.Context, item models.QueueItem, outcome models.ValidationOutcome, log zerolog.Logger) models.ProcessResult {
	res := models.ProcessResult{QueueID: item.ID, ValidationID: outcome.ValidationID}
	validationID := outcome.ValidationID
	err := p.store.UpdateStatus(ctx, item.ID, models.StatusCompleted, store.ItemUpdate{
		ValidationID:   &validationID,
		ClearErrors:    true,
		ClearNextRetry: true,
		FromStatuses:   []models.Status{models.StatusProcessing},
	})
	switch {
	case err == nil:
		res.Success = true
		telemetry.ProcessSuccess.Inc()
	case errors.Is(err, store.ErrStatusConflict):
		res.Skipped = true
		res.Error = "queue item left processing before the result arrived"
		log.Warn().Str("validation_id", validationID).Msg("result discarded: item no longer processing")
	default:
		// The validation is saved; the sweeper will return the item to pending and the rerun
		// resolves to the same validation record.
		res.ShouldRetry = true
		res.ErrorStep = models.StepDatabaseSave
		res.Error = fmt.Sprintf("record completion: %v", err)
		log.Error().Err(err).Str("validation_id", validationID).Msg("record completion")
	}
	return res
}

func (p *Processor) fail(ctx context.Context, item models.QueueItem, callErr error, stack string, timeout time.Duration, log zerolog.Logger) models.ProcessResult {
	step := Classify(callErr)
	msg := callErr.Error()
	now := p.now().UTC()
	telemetry.ErrorsByStep.WithLabelValues(string(step)).Inc()

	res := models.ProcessResult{QueueID: item.ID, ErrorStep: step, Error: msg}
	details := &models.ErrorDetails{Message: msg, Stack: stack, Step: step, Timestamp: now}
	guard := []models.Status{models.StatusProcessing}

	var updErr error
	var next time.Time
	if item.CanRetry() {
		next = NextRetryAt(p.now(), item.Attempts, p.opts.RetryBase, p.opts.RetryJitter)
		updErr = p.store.UpdateStatus(ctx, item.ID, models.StatusPending, store.ItemUpdate{
			NextRetryAt:  &next,
			ErrorLog:     &msg,
			ErrorDetails: details,
			FromStatuses: guard,
		})
	} else {
		updErr = p.store.UpdateStatus(ctx, item.ID, models.StatusFailed, store.ItemUpdate{
			ErrorLog:       &msg,
			ErrorDetails:   details,
			ClearNextRetry: true,
			FromStatuses:   guard,
		})
	}
	discarded := errors.Is(updErr, store.ErrStatusConflict)

	// The failure is logged even when the item moved on; it is recoverable only if a retry
	// was actually scheduled.
	entry := models.ErrorLogEntry{
		QueueItemID:  &item.ID,
		UserID:       item.UserID,
		ErrorStep:    step,
		ErrorMessage: msg,
		Metadata: map[string]any{
			"attempt":      item.Attempts,
			"max_attempts": item.MaxAttempts,
			"timeout_ms":   timeout.Milliseconds(),
		},
		HTTPStatus:    HTTPStatus(callErr),
		RetryCount:    item.Attempts,
		IsRecoverable: item.CanRetry() && !discarded,
		CreatedAt:     now,
	}
	if stack != "" {
		entry.ErrorStack = &stack
	}
	if err := p.store.InsertErrorLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("error_step", string(step)).Msg("write error log")
	}

	if updErr != nil {
		res.Skipped = discarded
		target := models.StatusFailed
		if item.CanRetry() {
			target = models.StatusPending
		}
		p.logUpdateFailure(log, updErr, target)
		return res
	}

	if item.CanRetry() {
		res.ShouldRetry = true
		res.NextRetryAt = &next
		telemetry.ProcessRetries.Inc()
		log.Warn().Str("error_step", string(step)).Time("next_retry_at", next).Str("error", msg).Msg("attempt failed, retry scheduled")
		return res
	}

	telemetry.ProcessFailures.Inc()
	log.Error().Str("error_step", string(step)).Str("error", msg).Msg("attempts exhausted, item failed")
	if p.deadLetter != nil {
		if err := p.deadLetter.Push(ctx, item.ID, msg); err != nil {
			log.Error().Err(err).Msg("dead letter push")
		}
	}
	return res
}

func (p *Processor) logUpdateFailure(log zerolog.Logger, err error, target models.Status) {
	if errors.Is(err, store.ErrStatusConflict) {
		log.Warn().Str("target_status", string(target)).Msg("outcome discarded: item no longer processing")
		return
	}
	log.Error().Err(err).Str("target_status", string(target)).Msg("record failure")
}
