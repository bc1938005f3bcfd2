package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"validation-queue/internal/models"
)

// ErrInsufficientCredits is returned when a user's balance cannot cover a validation.
var ErrInsufficientCredits = errors.New("insufficient credits")

// KnowledgeEntries returns guidance for a criterion plus any explicitly requested entries.
func (s *Store) KnowledgeEntries(ctx context.Context, criteria string, ids []string) ([]models.KnowledgeEntry, error) {
	if ids == nil {
		ids = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, criteria, title, content, source, created_at
		FROM knowledge_bank_entries
		WHERE criteria = $1 OR id = ANY($2)
		ORDER BY created_at DESC
		LIMIT 50
	`, criteria, ids)
	if err != nil {
		return nil, persistErr("knowledge bank lookup", err)
	}
	defer rows.Close()

	entries := make([]models.KnowledgeEntry, 0)
	for rows.Next() {
		var e models.KnowledgeEntry
		var source pgtype.Text
		if err := rows.Scan(&e.ID, &e.Criteria, &e.Title, &e.Content, &source, &e.CreatedAt); err != nil {
			return nil, persistErr("scan knowledge entry", err)
		}
		e.Source = source.String
		entries = append(entries, e)
	}
	return entries, persistErr("knowledge bank lookup", rows.Err())
}

// SaveValidation stores a validation result. Saving again under the same request id
// overwrites the previous result and keeps its id, so re-running a queue item never
// creates a second validation.
func (s *Store) SaveValidation(ctx context.Context, rec models.ValidationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return "", fmt.Errorf("marshal validation results: %w", err)
	}
	raw := []byte(rec.Raw)
	if len(raw) == 0 {
		raw = nil
	}

	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO validations (id, request_id, queue_id, user_id, product_id, criteria, verdict, score, summary,
			results, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (request_id) DO UPDATE
		SET verdict = EXCLUDED.verdict, score = EXCLUDED.score, summary = EXCLUDED.summary,
			results = EXCLUDED.results, raw_response = EXCLUDED.raw_response
		RETURNING id
	`, rec.ID, rec.RequestID, rec.QueueID, rec.UserID, rec.ProductID, rec.Criteria, rec.Verdict, rec.Score,
		rec.Summary, results, raw, rec.CreatedAt).Scan(&id)
	if err != nil {
		return "", persistErr("save validation", err)
	}
	return id, nil
}

// AppendKnowledge records an entry learned from a validation; duplicates are ignored.
func (s *Store) AppendKnowledge(ctx context.Context, entry models.KnowledgeEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knowledge_bank_entries (id, criteria, title, content, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.Criteria, entry.Title, entry.Content, entry.Source, entry.CreatedAt)
	return persistErr("update knowledge bank", err)
}

// DeductCredits charges a user once per validation.
func (s *Store) DeductCredits(ctx context.Context, userID, validationID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return persistErr("begin credit deduction", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (validation_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (validation_id) DO NOTHING
	`, validationID, userID, amount)
	if err != nil {
		return persistErr("record credit deduction", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE user_credits SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return persistErr("deduct credits", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit deduction for user %s: %w", userID, ErrInsufficientCredits)
	}
	return persistErr("commit credit deduction", tx.Commit(ctx))
}
