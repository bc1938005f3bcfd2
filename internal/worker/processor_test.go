package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validation-queue/internal/models"
	"validation-queue/internal/store"
)

type validatorFunc func(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error)

func (f validatorFunc) Validate(ctx context.Context, req models.ValidationRequest) (models.ValidationOutcome, error) {
	return f(ctx, req)
}

type recordingDeadLetter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingDeadLetter) Push(_ context.Context, id, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func enqueue(t *testing.T, st *store.MemoryStore, maxAttempts int) models.QueueItem {
	t.Helper()
	id, err := st.Insert(context.Background(), models.QueueItem{
		UserID:      "user-1",
		MaxAttempts: maxAttempts,
		InputData:   models.InputData{Criteria: "HEA02", ProductName: "Acoustic panel"},
		FileRefs:    []models.FileRef{{Name: "epd.pdf", Size: 1024, MimeType: "application/pdf"}},
	})
	require.NoError(t, err)
	item, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	return item
}

func newTestProcessor(st Store, v Validator) *Processor {
	return NewProcessor(st, v, zerolog.Nop(), Options{Timeout: time.Second, RetryBase: time.Second})
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)

	var got models.ValidationRequest
	p := newTestProcessor(st, validatorFunc(func(_ context.Context, req models.ValidationRequest) (models.ValidationOutcome, error) {
		got = req
		return models.ValidationOutcome{ValidationID: "val-1"}, nil
	}))

	res := p.Process(ctx, item)
	assert.True(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.Equal(t, "val-1", res.ValidationID)
	assert.Equal(t, item.ID, got.QueueID)
	assert.Equal(t, item.InputData, got.Input)

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.ValidationID)
	assert.Equal(t, "val-1", *stored.ValidationID)
	assert.NotNil(t, stored.LastAttemptAt)
	assert.Nil(t, stored.ErrorLog)
}

func TestProcessTimeoutExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)
	dl := &recordingDeadLetter{}
	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		return models.ValidationOutcome{}, errors.New("timeout exceeded")
	})).WithDeadLetter(dl)

	for i := 1; i <= 3; i++ {
		res := p.Process(ctx, item)
		assert.False(t, res.Success)
		assert.Equal(t, models.StepWebhookTimeout, res.ErrorStep)
		if i < 3 {
			assert.True(t, res.ShouldRetry, "pass %d", i)
			require.NotNil(t, res.NextRetryAt)
			assert.True(t, res.NextRetryAt.After(time.Now()))
		} else {
			assert.False(t, res.ShouldRetry)
			assert.Nil(t, res.NextRetryAt)
		}
	}

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Nil(t, stored.CompletedAt)
	assert.Nil(t, stored.NextRetryAt)
	snap := stored.Snapshot()
	require.NotNil(t, snap.ErrorStep)
	assert.Equal(t, models.StepWebhookTimeout, *snap.ErrorStep)
	assert.Equal(t, []string{item.ID}, dl.ids)

	logs, err := st.ListErrorLogs(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, entry := range logs {
		assert.Equal(t, i+1, entry.RetryCount)
		assert.Equal(t, i+1 < 3, entry.IsRecoverable)
		assert.Equal(t, models.StepWebhookTimeout, entry.ErrorStep)
	}

	// A fourth pass cannot claim the item, so attempts never exceed max_attempts.
	res := p.Process(ctx, item)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	stored, _ = st.GetByID(ctx, item.ID)
	assert.Equal(t, 3, stored.Attempts)
}

func TestProcessSucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)

	var calls atomic.Int32
	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		if calls.Add(1) == 1 {
			return models.ValidationOutcome{}, errors.New("boom")
		}
		return models.ValidationOutcome{ValidationID: "val-2"}, nil
	}))

	first := p.Process(ctx, item)
	assert.True(t, first.ShouldRetry)
	assert.Equal(t, models.StepUnknown, first.ErrorStep)

	mid, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, mid.Status)
	require.NotNil(t, mid.ErrorLog)
	assert.Equal(t, "boom", *mid.ErrorLog)

	second := p.Process(ctx, item)
	assert.True(t, second.Success)

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Nil(t, stored.ErrorLog)
	assert.Nil(t, stored.ErrorDetails)
	assert.Nil(t, stored.NextRetryAt)

	logs, err := st.ListErrorLogs(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestProcessRacesSlowValidator(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 2)
	release := make(chan struct{})
	defer close(release)

	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		<-release
		return models.ValidationOutcome{ValidationID: "late"}, nil
	}))

	start := time.Now()
	res := p.ProcessWithTimeout(ctx, item, 30*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, models.StepWebhookTimeout, res.ErrorStep)
	assert.Equal(t, "validation webhook timeout exceeded after 30ms", res.Error)
}

func TestProcessRecoversValidatorPanic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 1)
	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		panic("nil map write")
	}))

	res := p.Process(ctx, item)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.Contains(t, res.Error, "nil map write")

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetails)
	assert.NotEmpty(t, stored.ErrorDetails.Stack)
}

func TestProcessMissingValidationIDIsParseFailure(t *testing.T) {
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)
	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		return models.ValidationOutcome{}, nil
	}))

	res := p.Process(context.Background(), item)
	assert.False(t, res.Success)
	assert.Equal(t, models.StepWebhookParse, res.ErrorStep)
}

func TestProcessKeepsCancellationOfInFlightItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)

	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		err := st.UpdateStatus(ctx, item.ID, models.StatusCancelled, store.ItemUpdate{
			FromStatuses: []models.Status{models.StatusPending, models.StatusProcessing},
		})
		assert.NoError(t, err)
		return models.ValidationOutcome{ValidationID: "val-3"}, nil
	}))

	res := p.Process(ctx, item)
	assert.False(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Equal(t, "val-3", res.ValidationID)

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Nil(t, stored.CompletedAt)
}

func TestProcessSkipsItemNotPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)
	require.NoError(t, st.UpdateStatus(ctx, item.ID, models.StatusCancelled, store.ItemUpdate{}))

	var calls atomic.Int32
	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		calls.Add(1)
		return models.ValidationOutcome{ValidationID: "x"}, nil
	}))

	res := p.Process(ctx, item)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.True(t, res.Skipped)
	assert.Zero(t, calls.Load())

	sum := Summarize([]models.ProcessResult{res})
	assert.Zero(t, sum.Processed)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
}

func TestProcessSkipsItemClaimedByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)
	_, err := st.BeginAttempt(ctx, item.ID, time.Now())
	require.NoError(t, err)

	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		return models.ValidationOutcome{ValidationID: "x"}, nil
	}))
	res := p.Process(ctx, item)
	assert.True(t, res.Skipped)

	sum := Summarize([]models.ProcessResult{res})
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Successful)
	assert.Zero(t, sum.WillRetry)
	assert.Equal(t, 1, sum.Skipped)

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProcessReleasesItemWhenCallerGivesUp(t *testing.T) {
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)

	p := NewProcessor(st, validatorFunc(func(ctx context.Context, _ models.ValidationRequest) (models.ValidationOutcome, error) {
		<-ctx.Done()
		return models.ValidationOutcome{}, ctx.Err()
	}), zerolog.Nop(), Options{Timeout: 5 * time.Second, RetryBase: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := p.Process(ctx, item)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.True(t, res.Skipped)

	stored, err := st.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts, "the attempt is given back")
	assert.Nil(t, stored.ErrorLog)
	assert.Nil(t, stored.NextRetryAt)

	logs, err := st.ListErrorLogs(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDrainUnderCancelledCallerKeepsAttemptBudget(t *testing.T) {
	st := store.NewMemoryStore()
	item := enqueue(t, st, 1)

	started := make(chan struct{})
	p := NewProcessor(st, validatorFunc(func(ctx context.Context, _ models.ValidationRequest) (models.ValidationOutcome, error) {
		close(started)
		<-ctx.Done()
		return models.ValidationOutcome{}, ctx.Err()
	}), zerolog.Nop(), Options{Timeout: 5 * time.Second, RetryBase: time.Second})
	d := NewDrainer(st, p, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	results, err := d.Drain(ctx, DrainOptions{MaxConcurrent: 3, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, results, 1)
	sum := Summarize(results)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Failed)

	stored, err := st.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status, "a single-attempt item is not failed by an aborted caller")
	assert.Zero(t, stored.Attempts)
}

func TestProcessFailureOfCancelledItemIsNotRecoverable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	item := enqueue(t, st, 3)

	p := newTestProcessor(st, validatorFunc(func(context.Context, models.ValidationRequest) (models.ValidationOutcome, error) {
		err := st.UpdateStatus(ctx, item.ID, models.StatusCancelled, store.ItemUpdate{
			FromStatuses: []models.Status{models.StatusProcessing},
		})
		assert.NoError(t, err)
		return models.ValidationOutcome{}, errors.New("webhook returned status 502")
	}))

	res := p.Process(ctx, item)
	assert.True(t, res.Skipped)
	assert.False(t, res.ShouldRetry)

	stored, err := st.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	logs, err := st.ListErrorLogs(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].IsRecoverable)
	assert.Equal(t, models.StepWebhookCall, logs[0].ErrorStep)
}
