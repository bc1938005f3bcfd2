package models

import (
	"encoding/json"
	"time"
)

// KnowledgeEntry is reference guidance for a certification criterion.
type KnowledgeEntry struct {
	ID        string    `json:"id"`
	Criteria  string    `json:"criteria"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CriterionResult is the webhook's verdict on a single requirement.
type CriterionResult struct {
	Requirement string   `json:"requirement"`
	Passed      bool     `json:"passed"`
	Evidence    string   `json:"evidence,omitempty"`
	Citations   []string `json:"citations,omitempty"`
}

// ValidationRecord is a durably saved validation result.
type ValidationRecord struct {
	ID        string            `json:"id"`
	QueueID   *string           `json:"queue_id,omitempty"`
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	ProductID *string           `json:"product_id,omitempty"`
	Criteria  string            `json:"criteria"`
	Verdict   string            `json:"verdict"`
	Score     float64           `json:"score"`
	Summary   string            `json:"summary,omitempty"`
	Results   []CriterionResult `json:"results"`
	Raw       json.RawMessage   `json:"raw,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
