package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates queue item lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is one of the closed set of statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown queue status %q", v)
	}
	return s, nil
}

// DefaultMaxAttempts is used when an enqueue request does not set one.
const DefaultMaxAttempts = 3

// QueueItem is one validation request awaiting or undergoing processing.
type QueueItem struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ProductID     *string       `json:"product_id,omitempty"`
	Status        Status        `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
	InputData     InputData     `json:"input_data"`
	FileRefs      []FileRef     `json:"file_refs"`
	ErrorLog      *string       `json:"error_log,omitempty"`
	ErrorDetails  *ErrorDetails `json:"error_details,omitempty"`
	ValidationID  *string       `json:"validation_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// CanRetry reports whether another processing pass is permitted.
func (q QueueItem) CanRetry() bool {
	return q.Attempts < q.MaxAttempts
}

// Snapshot builds the read model returned by status lookups.
func (q QueueItem) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{
		QueueID:       q.ID,
		Status:        q.Status,
		Attempts:      q.Attempts,
		MaxAttempts:   q.MaxAttempts,
		LastAttemptAt: q.LastAttemptAt,
		NextRetryAt:   q.NextRetryAt,
		CreatedAt:     q.CreatedAt,
		CompletedAt:   q.CompletedAt,
		ValidationID:  q.ValidationID,
		ErrorLog:      q.ErrorLog,
	}
	if q.ErrorDetails != nil && q.ErrorDetails.Step != "" {
		step := q.ErrorDetails.Step
		snap.ErrorStep = &step
	}
	return snap
}

// StatusSnapshot is the externally visible state of a queue item.
type StatusSnapshot struct {
	QueueID       string     `json:"queue_id"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ValidationID  *string    `json:"validation_id,omitempty"`
	ErrorLog      *string    `json:"error_log,omitempty"`
	ErrorStep     *ErrorStep `json:"error_step,omitempty"`
}

// InputData is the self-contained request needed to re-run a validation unattended.
type InputData struct {
	Criteria         string            `json:"criteria"`
	ProductName      string            `json:"product_name,omitempty"`
	Manufacturer     string            `json:"manufacturer,omitempty"`
	Language         string            `json:"language,omitempty"`
	KnowledgeBankIDs []string          `json:"knowledge_bank_ids,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
}

// Validate checks the payload before it is written or after it is read.
func (d InputData) Validate() error {
	if strings.TrimSpace(d.Criteria) == "" {
		return errors.New("input_data.criteria is required")
	}
	for i, id := range d.KnowledgeBankIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("input_data.knowledge_bank_ids[%d] is empty", i)
		}
	}
	return nil
}

// FileRef is lightweight metadata for an uploaded document. File bytes are never queued.
type FileRef struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mime_type"`
	StoragePath string `json:"storage_path,omitempty"`
}

// Validate checks a single file reference.
func (f FileRef) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("file name is required")
	}
	if f.Size < 0 {
		return fmt.Errorf("file %s: negative size", f.Name)
	}
	return nil
}

// ValidateFileRefs requires at least one well-formed reference.
func ValidateFileRefs(refs []FileRef) error {
	if len(refs) == 0 {
		return errors.New("at least one file reference is required")
	}
	for i, f := range refs {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("file_refs[%d]: %w", i, err)
		}
	}
	return nil
}

// ErrorDetails is the structured form of the last failure on a queue item.
type ErrorDetails struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Step      ErrorStep `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
