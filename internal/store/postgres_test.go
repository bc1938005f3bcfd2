package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"validation-queue/internal/models"
)

// setupPostgres starts a throwaway Postgres, applies migrations and returns a Store.
func setupPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("validation"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := New(ctx, connStr, "test")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func poolOf(st *Store) *pgxpool.Pool { return st.pool }

func TestPostgresQueueLifecycle(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	first, err := st.Insert(ctx, newItem("u1", base))
	require.NoError(t, err)
	second, err := st.Insert(ctx, newItem("u1", base.Add(time.Minute)))
	require.NoError(t, err)

	eligible, err := st.ListPendingEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, first, eligible[0].ID)
	assert.Equal(t, "HEA02", eligible[0].InputData.Criteria)
	require.Len(t, eligible[0].FileRefs, 1)

	claimed, err := st.BeginAttempt(ctx, first, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = st.BeginAttempt(ctx, first, time.Now())
	assert.ErrorIs(t, err, ErrStatusConflict)
	_, err = st.BeginAttempt(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	next := time.Now().Add(time.Hour)
	msg := "webhook returned status 502"
	require.NoError(t, st.UpdateStatus(ctx, first, models.StatusPending, ItemUpdate{
		NextRetryAt:  &next,
		ErrorLog:     &msg,
		ErrorDetails: &models.ErrorDetails{Message: msg, Step: models.StepWebhookCall, Timestamp: time.Now().UTC()},
		FromStatuses: []models.Status{models.StatusProcessing},
	}))

	eligible, err = st.ListPendingEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, second, eligible[0].ID)

	require.NoError(t, st.UpdateStatus(ctx, first, models.StatusCancelled, ItemUpdate{ClearNextRetry: true}))
	vid := "val-late"
	err = st.UpdateStatus(ctx, first, models.StatusCompleted, ItemUpdate{
		ValidationID: &vid,
		FromStatuses: []models.Status{models.StatusProcessing},
	})
	assert.ErrorIs(t, err, ErrStatusConflict)

	item, err := st.GetByID(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, item.Status)
	assert.Nil(t, item.ValidationID)
	assert.Nil(t, item.NextRetryAt)
	require.NotNil(t, item.ErrorDetails)
	assert.Equal(t, models.StepWebhookCall, item.ErrorDetails.Step)

	list, err := st.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
}

func TestPostgresErrorLogsAndStatistics(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	id, err := st.Insert(ctx, newItem("u2", time.Time{}))
	require.NoError(t, err)
	_, err = st.BeginAttempt(ctx, id, time.Now())
	require.NoError(t, err)

	code := 504
	require.NoError(t, st.InsertErrorLog(ctx, models.ErrorLogEntry{
		QueueItemID:   &id,
		UserID:        "u2",
		ErrorStep:     models.StepWebhookTimeout,
		ErrorMessage:  "validation webhook timeout exceeded after 300000ms",
		Metadata:      map[string]any{"attempt": 1},
		HTTPStatus:    &code,
		RetryCount:    1,
		IsRecoverable: true,
	}))

	logs, err := st.ListErrorLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StepWebhookTimeout, logs[0].ErrorStep)
	require.NotNil(t, logs[0].HTTPStatus)
	assert.Equal(t, 504, *logs[0].HTTPStatus)
	assert.EqualValues(t, 1, logs[0].Metadata["attempt"])

	qs, err := st.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.ProcessingCount)
	assert.InDelta(t, 1.0, qs.AvgRetryCount, 1e-9)

	es, err := st.ErrorStatistics(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, es.TotalErrors)
	assert.Equal(t, 1, es.ErrorsByStep[models.StepWebhookTimeout])
	assert.InDelta(t, 1.0, es.ErrorRate, 1e-9)

	recovered, failed, err := st.RecoverStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Zero(t, failed)

	logs, err = st.ListErrorLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.StepUnknown, logs[1].ErrorStep)
	assert.Equal(t, staleMessage, logs[1].ErrorMessage)
	assert.True(t, logs[1].IsRecoverable)
	assert.EqualValues(t, 1, logs[1].Metadata["attempt"])
}

func TestPostgresValidationPersistence(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	qid, err := st.Insert(ctx, newItem("u3", time.Time{}))
	require.NoError(t, err)

	rec := models.ValidationRecord{
		QueueID:   &qid,
		RequestID: qid,
		UserID:    "u3",
		Criteria:  "HEA02",
		Verdict:   "pass",
		Score:     88,
		Results:   []models.CriterionResult{{Requirement: "VOC limits", Passed: true}},
		Raw:       []byte(`{"verdict":"pass"}`),
	}
	firstID, err := st.SaveValidation(ctx, rec)
	require.NoError(t, err)
	rec.Score = 90
	secondID, err := st.SaveValidation(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	require.NoError(t, st.AppendKnowledge(ctx, models.KnowledgeEntry{
		ID: "kb-" + firstID, Criteria: "HEA02", Title: "VOC", Content: "Emission class A+",
	}))
	require.NoError(t, st.AppendKnowledge(ctx, models.KnowledgeEntry{
		ID: "kb-" + firstID, Criteria: "HEA02", Title: "VOC", Content: "duplicate",
	}))
	entries, err := st.KnowledgeEntries(ctx, "HEA02", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Emission class A+", entries[0].Content)

	_, err = poolOf(st).Exec(ctx, `INSERT INTO user_credits (user_id, balance) VALUES ('u3', 1)`)
	require.NoError(t, err)
	require.NoError(t, st.DeductCredits(ctx, "u3", firstID, 1))
	require.NoError(t, st.DeductCredits(ctx, "u3", firstID, 1), "same validation is charged once")
	err = st.DeductCredits(ctx, "u3", "another", 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	var balance int
	require.NoError(t, poolOf(st).QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id = 'u3'`).Scan(&balance))
	assert.Zero(t, balance)
}
