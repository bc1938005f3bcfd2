package models

import (
	"time"
)

// ErrorStep tags the pipeline stage a failure happened in.
type ErrorStep string

const (
	StepUploadStorage       ErrorStep = "upload_storage"
	StepKnowledgeBank       ErrorStep = "knowledge_bank"
	StepWebhookCall         ErrorStep = "webhook_call"
	StepWebhookTimeout      ErrorStep = "webhook_timeout"
	StepWebhookParse        ErrorStep = "webhook_parse"
	StepDatabaseSave        ErrorStep = "database_save"
	StepKnowledgeBankUpdate ErrorStep = "knowledge_bank_update"
	StepCreditDeduction     ErrorStep = "credit_deduction"
	StepUnknown             ErrorStep = "unknown"
)

// AllErrorSteps lists the closed set of classifications.
var AllErrorSteps = []ErrorStep{
	StepUploadStorage,
	StepKnowledgeBank,
	StepWebhookCall,
	StepWebhookTimeout,
	StepWebhookParse,
	StepDatabaseSave,
	StepKnowledgeBankUpdate,
	StepCreditDeduction,
	StepUnknown,
}

// Valid reports whether s belongs to the closed set.
func (s ErrorStep) Valid() bool {
	for _, v := range AllErrorSteps {
		if v == s {
			return true
		}
	}
	return false
}

// StepError attaches a pipeline stage to an error.
type StepError struct {
	Step ErrorStep
	Err  error
}

func (e *StepError) Error() string {
	return string(e.Step) + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrorLogEntry is an append-only record of one failure occurrence.
type ErrorLogEntry struct {
	ID            string         `json:"id"`
	ValidationID  *string        `json:"validation_id,omitempty"`
	QueueItemID   *string        `json:"queue_item_id,omitempty"`
	UserID        string         `json:"user_id"`
	ErrorStep     ErrorStep      `json:"error_step"`
	ErrorMessage  string         `json:"error_message"`
	ErrorStack    *string        `json:"error_stack,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	HTTPStatus    *int           `json:"http_status,omitempty"`
	RetryCount    int            `json:"retry_count"`
	IsRecoverable bool           `json:"is_recoverable"`
	CreatedAt     time.Time      `json:"created_at"`
}
