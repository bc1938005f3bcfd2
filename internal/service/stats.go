package service

import (
	"context"
	"time"

	"validation-queue/internal/models"
	"validation-queue/internal/telemetry"
)

// DefaultErrorWindowDays is used when no window is given.
const DefaultErrorWindowDays = 7

// StatsStore aggregates queue and error log rows.
type StatsStore interface {
	QueueStatistics(ctx context.Context) (models.QueueStatistics, error)
	ErrorStatistics(ctx context.Context, since time.Time) (models.ErrorStatistics, error)
}

// Reporter serves operational statistics.
type Reporter struct {
	store StatsStore
	now   func() time.Time
}

func NewReporter(st StatsStore) *Reporter {
	return &Reporter{store: st, now: time.Now}
}

func (r *Reporter) GetQueueStatistics(ctx context.Context) (models.QueueStatistics, error) {
	return r.store.QueueStatistics(ctx)
}

// GetErrorStatistics aggregates errors logged in the last daysBack days.
func (r *Reporter) GetErrorStatistics(ctx context.Context, daysBack int) (models.ErrorStatistics, error) {
	if daysBack <= 0 {
		daysBack = DefaultErrorWindowDays
	}
	since := r.now().UTC().Add(-time.Duration(daysBack) * 24 * time.Hour)
	return r.store.ErrorStatistics(ctx, since)
}

// Refresh publishes current queue counts to the per-status gauge.
func (r *Reporter) Refresh(ctx context.Context) error {
	st, err := r.store.QueueStatistics(ctx)
	if err != nil {
		return err
	}
	telemetry.QueueDepthGauge.WithLabelValues(string(models.StatusPending)).Set(float64(st.PendingCount))
	telemetry.QueueDepthGauge.WithLabelValues(string(models.StatusProcessing)).Set(float64(st.ProcessingCount))
	telemetry.QueueDepthGauge.WithLabelValues(string(models.StatusCompleted)).Set(float64(st.CompletedCount))
	telemetry.QueueDepthGauge.WithLabelValues(string(models.StatusFailed)).Set(float64(st.FailedCount))
	telemetry.QueueDepthGauge.WithLabelValues(string(models.StatusCancelled)).Set(float64(st.CancelledCount))
	return nil
}
