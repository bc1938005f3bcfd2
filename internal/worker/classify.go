package worker

import (
	"context"
	"errors"
	"strings"

	"validation-queue/internal/models"
)

type keywordRule struct {
	step     models.ErrorStep
	keywords []string
}

// Order matters: the more specific knowledge bank update rule precedes the lookup rule,
// and timeouts win over the generic webhook rule.
var classifyRules = []keywordRule{
	{models.StepWebhookTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{models.StepKnowledgeBankUpdate, []string{"knowledge bank update", "knowledge_bank_update"}},
	{models.StepKnowledgeBank, []string{"knowledge bank", "knowledge_bank"}},
	{models.StepCreditDeduction, []string{"credit"}},
	{models.StepWebhookParse, []string{"parse", "json", "unmarshal", "invalid response"}},
	{models.StepWebhookCall, []string{"webhook"}},
	{models.StepUploadStorage, []string{"storage", "upload"}},
	{models.StepDatabaseSave, []string{"database", "persistence", "save"}},
}

// Classify tags an error with the pipeline stage it most likely came from. Tagged
// errors keep their stage; everything else is matched on its message.
func Classify(err error) models.ErrorStep {
	if err == nil {
		return models.StepUnknown
	}
	var stepErr *models.StepError
	if errors.As(err, &stepErr) && stepErr.Step.Valid() {
		return stepErr.Step
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.StepWebhookTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the keyword rules to a raw message.
func ClassifyMessage(msg string) models.ErrorStep {
	lower := strings.ToLower(msg)
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.step
			}
		}
	}
	return models.StepUnknown
}

type httpStatusCarrier interface {
	HTTPStatus() int
}

// HTTPStatus returns the remote HTTP status code carried anywhere in err's chain.
func HTTPStatus(err error) *int {
	var carrier httpStatusCarrier
	if errors.As(err, &carrier) {
		if code := carrier.HTTPStatus(); code > 0 {
			return &code
		}
	}
	return nil
}
