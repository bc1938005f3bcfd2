package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validation-queue/internal/models"
	"validation-queue/internal/store"
)

func seed(t *testing.T, st *store.MemoryStore, status models.Status, attempts int, createdAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	id, err := st.Insert(ctx, models.QueueItem{
		UserID:      "user-1",
		MaxAttempts: 3,
		InputData:   models.InputData{Criteria: "HEA02"},
		FileRefs:    []models.FileRef{{Name: "a.pdf"}},
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
	for i := 0; i < attempts; i++ {
		_, err := st.BeginAttempt(ctx, id, time.Now())
		require.NoError(t, err)
		if i < attempts-1 || status != models.StatusProcessing {
			require.NoError(t, st.UpdateStatus(ctx, id, models.StatusPending, store.ItemUpdate{}))
		}
	}
	if status != models.StatusPending && status != models.StatusProcessing {
		require.NoError(t, st.UpdateStatus(ctx, id, status, store.ItemUpdate{}))
	}
	return id
}

func TestQueueStatistics(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	oldest := now.Add(-3 * time.Hour)
	seed(t, st, models.StatusPending, 0, oldest)
	seed(t, st, models.StatusPending, 1, now.Add(-time.Hour))
	seed(t, st, models.StatusProcessing, 1, now)
	for i := 0; i < 3; i++ {
		seed(t, st, models.StatusCompleted, 1, now)
	}
	seed(t, st, models.StatusFailed, 3, now)

	got, err := NewReporter(st).GetQueueStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got.PendingCount)
	assert.Equal(t, 1, got.ProcessingCount)
	assert.Equal(t, 3, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Zero(t, got.CancelledCount)
	assert.InDelta(t, 8.0/7.0, got.AvgRetryCount, 1e-9)
	require.NotNil(t, got.OldestPendingTimestamp)
	assert.True(t, got.OldestPendingTimestamp.Equal(oldest))
}

func TestErrorStatisticsWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	id := seed(t, st, models.StatusPending, 2, now.Add(-time.Hour))

	logErr := func(step models.ErrorStep, msg string, at time.Time) {
		require.NoError(t, st.InsertErrorLog(ctx, models.ErrorLogEntry{
			QueueItemID: &id, UserID: "user-1", ErrorStep: step, ErrorMessage: msg, CreatedAt: at,
		}))
	}
	logErr(models.StepWebhookTimeout, "timeout exceeded", now.Add(-time.Hour))
	logErr(models.StepWebhookTimeout, "timeout exceeded", now.Add(-30*time.Minute))
	logErr(models.StepWebhookCall, "webhook returned status 502", now.Add(-10*time.Minute))
	logErr(models.StepDatabaseSave, "ancient", now.Add(-30*24*time.Hour))

	r := NewReporter(st)
	r.now = func() time.Time { return now }
	got, err := r.GetErrorStatistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalErrors)
	assert.Equal(t, map[models.ErrorStep]int{
		models.StepWebhookTimeout: 2,
		models.StepWebhookCall:    1,
	}, got.ErrorsByStep)
	require.Len(t, got.MostCommonErrors, 2)
	assert.Equal(t, models.ErrorCount{Message: "timeout exceeded", Count: 2}, got.MostCommonErrors[0])
	assert.InDelta(t, 1.0, got.ErrorRate, 1e-9)

	all, err := r.GetErrorStatistics(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 4, all.TotalErrors)
}
