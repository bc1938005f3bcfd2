package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"validation-queue/internal/models"
)

// MemoryStore is an in-process implementation of the queue store with the same
// semantics as the Postgres store. It backs tests and local runs without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.QueueItem
	logs  []models.ErrorLogEntry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.QueueItem),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for eligibility and timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Insert(_ context.Context, item models.QueueItem) (string, error) {
	if err := item.InputData.Validate(); err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if _, exists := m.items[item.ID]; exists {
		return "", persistErr("insert queue item", fmt.Errorf("duplicate id %s", item.ID))
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now().UTC()
	}
	stored := item
	m.items[item.ID] = &stored
	return item.ID, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (models.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return models.QueueItem{}, ErrNotFound
	}
	return *item, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]models.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.QueueItem, 0)
	for _, item := range m.items {
		if item.UserID == userID {
			out = append(out, *item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPendingEligible(_ context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]models.QueueItem, 0)
	for _, item := range m.items {
		if item.Status != models.StatusPending {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) BeginAttempt(_ context.Context, id string, at time.Time) (models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.QueueItem{}, ErrNotFound
	}
	if item.Status != models.StatusPending || item.Attempts >= item.MaxAttempts {
		return models.QueueItem{}, ErrStatusConflict
	}
	item.Status = models.StatusProcessing
	item.Attempts++
	stamp := at
	item.LastAttemptAt = &stamp
	return *item, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status models.Status, upd ItemUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if err := upd.check(status, now); err != nil {
		return fmt.Errorf("update queue item %s: %w", id, err)
	}
	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if !upd.allows(item.Status) {
		return ErrStatusConflict
	}

	next := *item
	next.Status = status
	if upd.Attempts != nil {
		next.Attempts = *upd.Attempts
	}
	if next.Attempts > next.MaxAttempts {
		return persistErr("update queue item status", fmt.Errorf("attempts %d exceed max_attempts %d", next.Attempts, next.MaxAttempts))
	}
	if upd.LastAttemptAt != nil {
		v := *upd.LastAttemptAt
		next.LastAttemptAt = &v
	}
	if upd.ClearNextRetry {
		next.NextRetryAt = nil
	} else if upd.NextRetryAt != nil {
		v := *upd.NextRetryAt
		next.NextRetryAt = &v
	}
	if status == models.StatusCompleted {
		v := now.UTC()
		if upd.CompletedAt != nil {
			v = *upd.CompletedAt
		}
		next.CompletedAt = &v
	} else {
		next.CompletedAt = nil
	}
	if upd.ValidationID != nil {
		v := *upd.ValidationID
		next.ValidationID = &v
	}
	if upd.ClearErrors {
		next.ErrorLog = nil
		next.ErrorDetails = nil
	} else {
		if upd.ErrorLog != nil {
			v := *upd.ErrorLog
			next.ErrorLog = &v
		}
		if upd.ErrorDetails != nil {
			v := *upd.ErrorDetails
			next.ErrorDetails = &v
		}
	}
	*item = next
	return nil
}

func (m *MemoryStore) InsertErrorLog(_ context.Context, entry models.ErrorLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	if !entry.ErrorStep.Valid() {
		entry.ErrorStep = models.StepUnknown
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) ListErrorLogs(_ context.Context, queueID string) ([]models.ErrorLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ErrorLogEntry
	for _, e := range m.logs {
		if e.QueueItemID != nil && *e.QueueItemID == queueID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecoverStale(_ context.Context, olderThan time.Time) (recovered, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, item := range m.items {
		if item.Status != models.StatusProcessing || item.LastAttemptAt == nil || !item.LastAttemptAt.Before(olderThan) {
			continue
		}
		msg := staleMessage
		item.ErrorLog = &msg
		item.ErrorDetails = &models.ErrorDetails{Message: msg, Step: models.StepUnknown, Timestamp: now}
		item.NextRetryAt = nil
		if item.Attempts < item.MaxAttempts {
			item.Status = models.StatusPending
			recovered++
		} else {
			item.Status = models.StatusFailed
			failed++
		}
		queueID := item.ID
		m.logs = append(m.logs, models.ErrorLogEntry{
			ID:           uuid.New().String(),
			QueueItemID:  &queueID,
			UserID:       item.UserID,
			ErrorStep:    models.StepUnknown,
			ErrorMessage: msg,
			Metadata: map[string]any{
				"attempt":      item.Attempts,
				"max_attempts": item.MaxAttempts,
				"stale_before": olderThan,
			},
			RetryCount:    item.Attempts,
			IsRecoverable: item.Status == models.StatusPending,
			CreatedAt:     now,
		})
	}
	return recovered, failed, nil
}

func (m *MemoryStore) QueueStatistics(_ context.Context) (models.QueueStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st models.QueueStatistics
	var totalAttempts int
	for _, item := range m.items {
		totalAttempts += item.Attempts
		switch item.Status {
		case models.StatusPending:
			st.PendingCount++
			if st.OldestPendingTimestamp == nil || item.CreatedAt.Before(*st.OldestPendingTimestamp) {
				v := item.CreatedAt
				st.OldestPendingTimestamp = &v
			}
		case models.StatusProcessing:
			st.ProcessingCount++
		case models.StatusCompleted:
			st.CompletedCount++
		case models.StatusFailed:
			st.FailedCount++
		case models.StatusCancelled:
			st.CancelledCount++
		}
	}
	if len(m.items) > 0 {
		st.AvgRetryCount = float64(totalAttempts) / float64(len(m.items))
	}
	return st, nil
}

func (m *MemoryStore) ErrorStatistics(_ context.Context, since time.Time) (models.ErrorStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := models.ErrorStatistics{
		ErrorsByStep:     make(map[models.ErrorStep]int),
		MostCommonErrors: make([]models.ErrorCount, 0),
		Since:            since,
	}
	byMessage := make(map[string]int)
	for _, e := range m.logs {
		if e.CreatedAt.Before(since) {
			continue
		}
		st.TotalErrors++
		st.ErrorsByStep[e.ErrorStep]++
		byMessage[e.ErrorMessage]++
	}
	for msg, n := range byMessage {
		st.MostCommonErrors = append(st.MostCommonErrors, models.ErrorCount{Message: msg, Count: n})
	}
	sort.Slice(st.MostCommonErrors, func(i, j int) bool {
		a, b := st.MostCommonErrors[i], st.MostCommonErrors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Message < b.Message
	})
	if len(st.MostCommonErrors) > mostCommonErrorsLimit {
		st.MostCommonErrors = st.MostCommonErrors[:mostCommonErrorsLimit]
	}

	var attempts int
	for _, item := range m.items {
		if !item.CreatedAt.Before(since) {
			attempts += item.Attempts
		}
	}
	st.ErrorRate = errorRate(st.TotalErrors, attempts)
	return st, nil
}
