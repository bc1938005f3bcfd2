package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"validation-queue/internal/files"
	"validation-queue/internal/models"
	"validation-queue/internal/telemetry"
	"validation-queue/internal/webhook"
)

// FileResolver turns stored references into URLs the webhook can fetch.
type FileResolver interface {
	Resolve(ctx context.Context, refs []models.FileRef) ([]files.Resolved, error)
}

// Webhook performs the remote AI validation.
type Webhook interface {
	Validate(ctx context.Context, req webhook.Request) (webhook.Response, json.RawMessage, error)
}

// Store persists validation results, knowledge and credits.
type Store interface {
	KnowledgeEntries(ctx context.Context, criteria string, ids []string) ([]models.KnowledgeEntry, error)
	SaveValidation(ctx context.Context, rec models.ValidationRecord) (string, error)
	AppendKnowledge(ctx context.Context, entry models.KnowledgeEntry) error
	DeductCredits(ctx context.Context, userID, validationID string, amount int) error
}

// Pipeline runs one validation end to end. Every failure is tagged with the step it
// happened in. Re-running it for the same queue item reuses the saved validation and
// charges credits once.
type Pipeline struct {
	files      FileResolver
	hook       Webhook
	store      Store
	creditCost int
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewPipeline(fr FileResolver, hook Webhook, st Store, creditCost int, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		files:      fr,
		hook:       hook,
		store:      st,
		creditCost: creditCost,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		tracer:     telemetry.Tracer(),
		now:        time.Now,
	}
}

func stepErr(step models.ErrorStep, err error) error {
	return &models.StepError{Step: step, Err: err}
}

// Validate implements the queue's remote validation contract.
func (p *Pipeline) Validate(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "validation.pipeline", trace.WithAttributes(
		attribute.String("queue.id", req.QueueID),
		attribute.String("validation.criteria", req.Input.Criteria),
	))
	defer span.End()

	out, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error) {
	if err := req.Input.Validate(); err != nil {
		return models.ValidationOutcome{}, fmt.Errorf("invalid validation request: %w", err)
	}
	log := p.logger.With().Str("queue_id", req.QueueID).Str("user_id", req.UserID).Logger()

	resolved, err := p.files.Resolve(ctx, req.Files)
	if err != nil {
		return models.ValidationOutcome{}, stepErr(models.StepUploadStorage, err)
	}

	knowledge, err := p.store.KnowledgeEntries(ctx, req.Input.Criteria, req.Input.KnowledgeBankIDs)
	if err != nil {
		return models.ValidationOutcome{}, stepErr(models.StepKnowledgeBank, err)
	}

	resp, raw, err := p.hook.Validate(ctx, webhook.Request{
		QueueID:      req.QueueID,
		UserID:       req.UserID,
		ProductID:    req.ProductID,
		Criteria:     req.Input.Criteria,
		ProductName:  req.Input.ProductName,
		Manufacturer: req.Input.Manufacturer,
		Language:     req.Input.Language,
		Options:      req.Input.Options,
		Files:        resolved,
		Knowledge:    knowledge,
	})
	if err != nil {
		return models.ValidationOutcome{}, stepErr(webhookStep(err), err)
	}

	rec := models.ValidationRecord{
		RequestID: req.QueueID,
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Criteria:  req.Input.Criteria,
		Verdict:   resp.Verdict,
		Score:     resp.Score,
		Summary:   resp.Summary,
		Results:   resp.Results,
		Raw:       raw,
		CreatedAt: p.now().UTC(),
	}
	if req.QueueID != "" {
		queueID := req.QueueID
		rec.QueueID = &queueID
	} else {
		rec.RequestID = uuid.New().String()
	}
	if rec.Results == nil {
		rec.Results = []models.CriterionResult{}
	}
	validationID, err := p.store.SaveValidation(ctx, rec)
	if err != nil {
		return models.ValidationOutcome{}, stepErr(models.StepDatabaseSave, err)
	}

	if err := p.store.AppendKnowledge(ctx, knowledgeFrom(validationID, req.Input, resp, p.now().UTC())); err != nil {
		return models.ValidationOutcome{}, stepErr(models.StepKnowledgeBankUpdate, err)
	}

	if err := p.store.DeductCredits(ctx, req.UserID, validationID, p.creditCost); err != nil {
		return models.ValidationOutcome{}, stepErr(models.StepCreditDeduction, err)
	}

	log.Debug().Str("validation_id", validationID).Str("verdict", resp.Verdict).Msg("validation saved")
	return models.ValidationOutcome{ValidationID: validationID, Verdict: resp.Verdict, Score: resp.Score}, nil
}

func webhookStep(err error) models.ErrorStep {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.StepWebhookTimeout
	case errors.Is(err, webhook.ErrInvalidResponse):
		return models.StepWebhookParse
	default:
		return models.StepWebhookCall
	}
}

func knowledgeFrom(validationID string, in models.InputData, resp webhook.Response, now time.Time) models.KnowledgeEntry {
	var b strings.Builder
	if resp.Summary != "" {
		b.WriteString(resp.Summary)
	}
	for _, r := range resp.Results {
		if r.Passed || r.Evidence == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s", r.Requirement, r.Evidence)
	}
	title := in.Criteria + " validation"
	if in.ProductName != "" {
		title = fmt.Sprintf("%s validation of %s", in.Criteria, in.ProductName)
	}
	return models.KnowledgeEntry{
		ID:        "kb-" + validationID,
		Criteria:  in.Criteria,
		Title:     title,
		Content:   b.String(),
		Source:    "validation:" + validationID,
		CreatedAt: now,
	}
}
