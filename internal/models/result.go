package models

import "time"

// ProcessResult is the outcome of one pass of the item processor. Skipped is set when the
// pass did not settle the item: another worker claimed it, it left processing before the
// outcome was written, or the caller gave up mid-call.
type ProcessResult struct {
	Success      bool       `json:"success"`
	QueueID      string     `json:"queue_id"`
	ValidationID string     `json:"validation_id,omitempty"`
	ShouldRetry  bool       `json:"should_retry"`
	Skipped      bool       `json:"skipped,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorStep    ErrorStep  `json:"error_step,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ValidationRequest is what the remote validation operation receives.
type ValidationRequest struct {
	QueueID   string    `json:"queue_id,omitempty"`
	UserID    string    `json:"user_id"`
	ProductID *string   `json:"product_id,omitempty"`
	Input     InputData `json:"input_data"`
	Files     []FileRef `json:"file_refs"`
}

// ValidationOutcome is the remote operation's success value.
type ValidationOutcome struct {
	ValidationID string  `json:"validation_id"`
	Verdict      string  `json:"verdict,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// QueueStatistics aggregates queue rows by status.
type QueueStatistics struct {
	PendingCount           int        `json:"pending_count"`
	ProcessingCount        int        `json:"processing_count"`
	CompletedCount         int        `json:"completed_count"`
	FailedCount            int        `json:"failed_count"`
	CancelledCount         int        `json:"cancelled_count"`
	AvgRetryCount          float64    `json:"avg_retry_count"`
	OldestPendingTimestamp *time.Time `json:"oldest_pending_timestamp,omitempty"`
}

// ErrorCount is one row of the most-common-errors ranking.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// ErrorStatistics aggregates the error log within a time window.
type ErrorStatistics struct {
	TotalErrors      int               `json:"total_errors"`
	ErrorsByStep     map[ErrorStep]int `json:"errors_by_step"`
	ErrorRate        float64           `json:"error_rate"`
	MostCommonErrors []ErrorCount      `json:"most_common_errors"`
	Since            time.Time         `json:"since"`
}
