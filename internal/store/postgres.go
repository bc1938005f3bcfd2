package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"validation-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the validation queue.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres. baseURL carries host, port, user and
// database; key is the access credential and overrides any password in the URL.
func New(ctx context.Context, baseURL, key string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if key != "" {
		cfg.ConnConfig.Password = key
	}
	cfg.HealthCheckPeriod = time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return persistErr("ping", s.pool.Ping(ctx))
}

const itemColumns = `id, user_id, product_id, status, attempts, max_attempts, last_attempt_at, next_retry_at,
	input_data, file_refs, error_log, error_details, validation_id, created_at, completed_at`

// Insert persists a new queue item and returns its id.
func (s *Store) Insert(ctx context.Context, item models.QueueItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := item.InputData.Validate(); err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	inputJSON, err := json.Marshal(item.InputData)
	if err != nil {
		return "", fmt.Errorf("marshal input_data: %w", err)
	}
	filesJSON, err := json.Marshal(item.FileRefs)
	if err != nil {
		return "", fmt.Errorf("marshal file_refs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO validation_queue (id, user_id, product_id, status, attempts, max_attempts, next_retry_at,
			input_data, file_refs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, item.ID, item.UserID, item.ProductID, string(item.Status), item.Attempts, item.MaxAttempts, item.NextRetryAt,
		inputJSON, filesJSON, item.CreatedAt)
	if err != nil {
		return "", persistErr("insert queue item", err)
	}
	return item.ID, nil
}

// GetByID fetches a queue item by id.
func (s *Store) GetByID(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM validation_queue WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, persistErr("get queue item", err)
	}
	return item, nil
}

// ListByUser returns a user's queue items, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM validation_queue
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, persistErr("list queue items by user", err)
	}
	return collectItems(rows, "list queue items by user")
}

// ListPendingEligible returns pending items whose retry time has come, oldest first.
func (s *Store) ListPendingEligible(ctx context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM validation_queue
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $2
	`, string(models.StatusPending), limit)
	if err != nil {
		return nil, persistErr("list eligible queue items", err)
	}
	return collectItems(rows, "list eligible queue items")
}

// BeginAttempt claims a pending item: it moves to processing, attempts is incremented and
// last_attempt_at stamped, all in one conditional update. ErrStatusConflict means another
// worker claimed it first or the item is no longer pending.
func (s *Store) BeginAttempt(ctx context.Context, id string, at time.Time) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE validation_queue
		SET status = $2, attempts = attempts + 1, last_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND attempts < max_attempts
		RETURNING `+itemColumns,
		id, string(models.StatusProcessing), at, string(models.StatusPending))
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return models.QueueItem{}, persistErr("begin attempt", err)
	}
	return item, nil
}

// UpdateStatus sets status and the given optional columns atomically. completed_at is
// written only for completed items and cleared for every other status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status, upd ItemUpdate) error {
	now := time.Now()
	if err := upd.check(status, now); err != nil {
		return fmt.Errorf("update queue item %s: %w", id, err)
	}

	args := []any{id, string(status)}
	sets := []string{"status = $2", "updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Attempts != nil {
		set("attempts", *upd.Attempts)
	}
	if upd.LastAttemptAt != nil {
		set("last_attempt_at", *upd.LastAttemptAt)
	}
	if upd.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	} else if upd.NextRetryAt != nil {
		set("next_retry_at", *upd.NextRetryAt)
	}
	if status == models.StatusCompleted {
		completedAt := now.UTC()
		if upd.CompletedAt != nil {
			completedAt = *upd.CompletedAt
		}
		set("completed_at", completedAt)
	} else {
		sets = append(sets, "completed_at = NULL")
	}
	if upd.ValidationID != nil {
		set("validation_id", *upd.ValidationID)
	}
	if upd.ClearErrors {
		sets = append(sets, "error_log = NULL", "error_details = NULL")
	} else {
		if upd.ErrorLog != nil {
			set("error_log", *upd.ErrorLog)
		}
		if upd.ErrorDetails != nil {
			details, err := json.Marshal(upd.ErrorDetails)
			if err != nil {
				return fmt.Errorf("marshal error_details: %w", err)
			}
			set("error_details", details)
		}
	}

	query := "UPDATE validation_queue SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if len(upd.FromStatuses) > 0 {
		args = append(args, statusStrings(upd.FromStatuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return persistErr("update queue item status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// InsertErrorLog appends one failure record.
func (s *Store) InsertErrorLog(ctx context.Context, entry models.ErrorLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if !entry.ErrorStep.Valid() {
		entry.ErrorStep = models.StepUnknown
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("marshal error metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_error_logs (id, validation_id, queue_item_id, user_id, error_step, error_message,
			error_stack, metadata, http_status, retry_count, is_recoverable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.ValidationID, entry.QueueItemID, entry.UserID, string(entry.ErrorStep), entry.ErrorMessage,
		entry.ErrorStack, metadata, entry.HTTPStatus, entry.RetryCount, entry.IsRecoverable, entry.CreatedAt)
	return persistErr("insert error log", err)
}

// ListErrorLogs returns the failure history of a queue item, oldest first.
func (s *Store) ListErrorLogs(ctx context.Context, queueID string) ([]models.ErrorLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, validation_id, queue_item_id, user_id, error_step, error_message, error_stack, metadata,
			http_status, retry_count, is_recoverable, created_at
		FROM validation_error_logs
		WHERE queue_item_id = $1
		ORDER BY created_at ASC
	`, queueID)
	if err != nil {
		return nil, persistErr("list error logs", err)
	}
	defer rows.Close()

	var out []models.ErrorLogEntry
	for rows.Next() {
		var e models.ErrorLogEntry
		var validationID, queueItemID, stack pgtype.Text
		var httpStatus pgtype.Int4
		var step string
		var metadata []byte
		if err := rows.Scan(&e.ID, &validationID, &queueItemID, &e.UserID, &step, &e.ErrorMessage, &stack,
			&metadata, &httpStatus, &e.RetryCount, &e.IsRecoverable, &e.CreatedAt); err != nil {
			return nil, persistErr("scan error log", err)
		}
		e.ErrorStep = models.ErrorStep(step)
		e.ValidationID = textPtr(validationID)
		e.QueueItemID = textPtr(queueItemID)
		e.ErrorStack = textPtr(stack)
		if httpStatus.Valid {
			code := int(httpStatus.Int32)
			e.HTTPStatus = &code
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal error metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, persistErr("list error logs", rows.Err())
}

// RecoverStale returns items stuck in processing since before olderThan to pending, or to
// failed when no attempts remain, and logs one unknown-step error per item. It reports how
// many went each way.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Time) (recovered, failed int, err error) {
	details, err := json.Marshal(models.ErrorDetails{
		Message:   staleMessage,
		Step:      models.StepUnknown,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal error_details: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		WITH stale AS (
			UPDATE validation_queue
			SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
				error_log = $2, error_details = $3, next_retry_at = NULL, updated_at = NOW()
			WHERE status = 'processing' AND last_attempt_at < $1
			RETURNING id, user_id, status, attempts, max_attempts
		), logged AS (
			INSERT INTO validation_error_logs (id, queue_item_id, user_id, error_step, error_message, metadata,
				retry_count, is_recoverable, created_at)
			SELECT gen_random_uuid()::text, id, user_id, $4, $2,
				jsonb_build_object('attempt', attempts, 'max_attempts', max_attempts, 'stale_before', $1::timestamptz),
				attempts, status = 'pending', NOW()
			FROM stale
		)
		SELECT COUNT(*) FILTER (WHERE status = 'pending'), COUNT(*) FILTER (WHERE status = 'failed') FROM stale
	`, olderThan, staleMessage, details, string(models.StepUnknown)).Scan(&recovered, &failed)
	if err != nil {
		return 0, 0, persistErr("recover stale items", err)
	}
	return recovered, failed, nil
}

const staleMessage = "processing abandoned: worker did not report back"

func (s *Store) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM validation_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return persistErr("check queue item", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func collectItems(rows pgx.Rows, op string) ([]models.QueueItem, error) {
	defer rows.Close()
	items := make([]models.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var status string
	var productID, errorLog, validationID pgtype.Text
	var lastAttempt, nextRetry, completed pgtype.Timestamptz
	var inputJSON, filesJSON, detailsJSON []byte

	if err := row.Scan(&item.ID, &item.UserID, &productID, &status, &item.Attempts, &item.MaxAttempts,
		&lastAttempt, &nextRetry, &inputJSON, &filesJSON, &errorLog, &detailsJSON, &validationID,
		&item.CreatedAt, &completed); err != nil {
		return models.QueueItem{}, err
	}

	var err error
	if item.Status, err = models.ParseStatus(status); err != nil {
		return models.QueueItem{}, err
	}
	if err := json.Unmarshal(inputJSON, &item.InputData); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if err := item.InputData.Validate(); err != nil {
		return models.QueueItem{}, fmt.Errorf("stored input_data for %s: %w", item.ID, err)
	}
	if err := json.Unmarshal(filesJSON, &item.FileRefs); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal file_refs: %w", err)
	}
	if len(detailsJSON) > 0 {
		var details models.ErrorDetails
		if err := json.Unmarshal(detailsJSON, &details); err != nil {
			return models.QueueItem{}, fmt.Errorf("unmarshal error_details: %w", err)
		}
		item.ErrorDetails = &details
	}
	item.ProductID = textPtr(productID)
	item.ErrorLog = textPtr(errorLog)
	item.ValidationID = textPtr(validationID)
	item.LastAttemptAt = timePtr(lastAttempt)
	item.NextRetryAt = timePtr(nextRetry)
	item.CompletedAt = timePtr(completed)
	return item, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
