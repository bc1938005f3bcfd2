package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"validation-queue/internal/models"
	"validation-queue/internal/store"
	"validation-queue/internal/telemetry"
)

// ErrRateLimited is returned when a user enqueues faster than allowed.
var ErrRateLimited = errors.New("enqueue rate limit exceeded")

// ValidationError describes a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store is the queue persistence the service relies on.
type Store interface {
	Insert(ctx context.Context, item models.QueueItem) (string, error)
	GetByID(ctx context.Context, id string) (models.QueueItem, error)
	ListByUser(ctx context.Context, userID string) ([]models.QueueItem, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, upd store.ItemUpdate) error
	ListErrorLogs(ctx context.Context, queueID string) ([]models.ErrorLogEntry, error)
}

// Processor runs one processing pass over an item.
type Processor interface {
	Process(ctx context.Context, item models.QueueItem) models.ProcessResult
}

// Validator is the synchronous validation used by the direct path.
type Validator interface {
	Validate(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error)
}

// Limiter throttles enqueues per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, float64, error)
}

// DeadLetterIndex forgets items an operator sent back into the queue.
type DeadLetterIndex interface {
	Remove(ctx context.Context, queueID string) error
}

// EnqueueInput is a new validation request.
type EnqueueInput struct {
	UserID      string           `json:"user_id"`
	ProductID   *string          `json:"product_id,omitempty"`
	InputData   models.InputData `json:"input_data"`
	FileRefs    []models.FileRef `json:"file_refs"`
	MaxAttempts int              `json:"max_attempts,omitempty"`
}

// Service is the public entry point of the validation queue.
type Service struct {
	store       Store
	processor   Processor
	direct      Validator
	limiter     Limiter
	deadLetter  DeadLetterIndex
	maxAttempts int
	logger      zerolog.Logger
}

func New(st Store, proc Processor, direct Validator, maxAttempts int, logger zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return &Service{
		store:       st,
		processor:   proc,
		direct:      direct,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "service").Logger(),
	}
}

// WithLimiter enables per-user enqueue throttling.
func (s *Service) WithLimiter(l Limiter) *Service {
	s.limiter = l
	return s
}

// WithDeadLetter keeps the dead-letter index in sync with manual retries.
func (s *Service) WithDeadLetter(d DeadLetterIndex) *Service {
	s.deadLetter = d
	return s
}

func checkRequest(userID string, input models.InputData, refs []models.FileRef) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if err := input.Validate(); err != nil {
		return &ValidationError{Field: "input_data", Reason: err.Error()}
	}
	if err := models.ValidateFileRefs(refs); err != nil {
		return &ValidationError{Field: "file_refs", Reason: err.Error()}
	}
	return nil
}

// Enqueue stores a pending item and returns its id without waiting for processing.
// Each call creates a new item; callers must not double-submit.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (string, error) {
	if err := checkRequest(in.UserID, in.InputData, in.FileRefs); err != nil {
		return "", err
	}
	if in.MaxAttempts < 0 {
		return "", &ValidationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, in.UserID)
		if err != nil {
			return "", fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return "", ErrRateLimited
		}
	}

	id, err := s.store.Insert(ctx, models.QueueItem{
		UserID:      in.UserID,
		ProductID:   in.ProductID,
		Status:      models.StatusPending,
		MaxAttempts: maxAttempts,
		InputData:   in.InputData,
		FileRefs:    in.FileRefs,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue validation: %w", err)
	}
	telemetry.EnqueueCounter.Inc()
	s.logger.Info().Str("queue_id", id).Str("user_id", in.UserID).Str("criteria", in.InputData.Criteria).
		Int("files", len(in.FileRefs)).Msg("validation enqueued")
	return id, nil
}

// GetStatus returns the current snapshot of an item. Missing items yield store.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, queueID string) (models.StatusSnapshot, error) {
	item, err := s.store.GetByID(ctx, queueID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return item.Snapshot(), nil
}

// ListByUser returns a user's items, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]models.StatusSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	items, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.StatusSnapshot, 0, len(items))
	for _, item := range items {
		out = append(out, item.Snapshot())
	}
	return out, nil
}

// ErrorLogs returns the failure history of an item.
func (s *Service) ErrorLogs(ctx context.Context, queueID string) ([]models.ErrorLogEntry, error) {
	if _, err := s.store.GetByID(ctx, queueID); err != nil {
		return nil, err
	}
	logs, err := s.store.ListErrorLogs(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.ErrorLogEntry{}
	}
	return logs, nil
}

// ManualRetry resets a failed or cancelled item to a fresh pending state and runs one
// processing pass right away.
func (s *Service) ManualRetry(ctx context.Context, queueID string) (models.ProcessResult, error) {
	zero := 0
	err := s.store.UpdateStatus(ctx, queueID, models.StatusPending, store.ItemUpdate{
		Attempts:       &zero,
		ClearErrors:    true,
		ClearNextRetry: true,
		FromStatuses:   []models.Status{models.StatusFailed, models.StatusCancelled},
	})
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("retry %s: %w", queueID, err)
	}
	if s.deadLetter != nil {
		if err := s.deadLetter.Remove(ctx, queueID); err != nil {
			s.logger.Warn().Err(err).Str("queue_id", queueID).Msg("remove from dead letter index")
		}
	}

	item, err := s.store.GetByID(ctx, queueID)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("retry %s: %w", queueID, err)
	}
	s.logger.Info().Str("queue_id", queueID).Msg("manual retry")
	return s.processor.Process(ctx, item), nil
}

// Cancel stops future processing of a pending or processing item. A call already in
// flight is not interrupted; its result is discarded.
func (s *Service) Cancel(ctx context.Context, queueID string) error {
	err := s.store.UpdateStatus(ctx, queueID, models.StatusCancelled, store.ItemUpdate{
		ClearNextRetry: true,
		FromStatuses:   []models.Status{models.StatusPending, models.StatusProcessing},
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", queueID, err)
	}
	s.logger.Info().Str("queue_id", queueID).Msg("validation cancelled")
	return nil
}

// DirectInput is a validation run inline, bypassing the queue.
type DirectInput struct {
	UserID    string           `json:"user_id"`
	ProductID *string          `json:"product_id,omitempty"`
	InputData models.InputData `json:"input_data"`
	FileRefs  []models.FileRef `json:"file_refs"`
}

// ValidateDirect runs the validation synchronously once, with no retry.
func (s *Service) ValidateDirect(ctx context.Context, in DirectInput) (models.ValidationOutcome, error) {
	if err := checkRequest(in.UserID, in.InputData, in.FileRefs); err != nil {
		return models.ValidationOutcome{}, err
	}
	if s.direct == nil {
		return models.ValidationOutcome{}, errors.New("direct validation not configured")
	}
	return s.direct.Validate(ctx, models.ValidationRequest{
		UserID:    in.UserID,
		ProductID: in.ProductID,
		Input:     in.InputData,
		Files:     in.FileRefs,
	})
}
