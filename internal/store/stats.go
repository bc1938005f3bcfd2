package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"validation-queue/internal/models"
)

const mostCommonErrorsLimit = 5

// QueueStatistics counts queue rows by status.
func (s *Store) QueueStatistics(ctx context.Context) (models.QueueStatistics, error) {
	var st models.QueueStatistics
	var oldest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(AVG(attempts), 0)::float8,
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM validation_queue
	`).Scan(&st.PendingCount, &st.ProcessingCount, &st.CompletedCount, &st.FailedCount, &st.CancelledCount,
		&st.AvgRetryCount, &oldest)
	if err != nil {
		return models.QueueStatistics{}, persistErr("queue statistics", err)
	}
	st.OldestPendingTimestamp = timePtr(oldest)
	return st, nil
}

// ErrorStatistics aggregates error log rows created at or after since.
func (s *Store) ErrorStatistics(ctx context.Context, since time.Time) (models.ErrorStatistics, error) {
	st := models.ErrorStatistics{
		ErrorsByStep:     make(map[models.ErrorStep]int),
		MostCommonErrors: make([]models.ErrorCount, 0),
		Since:            since,
	}

	rows, err := s.pool.Query(ctx, `
		SELECT error_step, COUNT(*) FROM validation_error_logs
		WHERE created_at >= $1
		GROUP BY error_step
	`, since)
	if err != nil {
		return st, persistErr("error statistics by step", err)
	}
	for rows.Next() {
		var step string
		var n int
		if err := rows.Scan(&step, &n); err != nil {
			rows.Close()
			return st, persistErr("scan error statistics", err)
		}
		st.ErrorsByStep[models.ErrorStep(step)] = n
		st.TotalErrors += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, persistErr("error statistics by step", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT error_message, COUNT(*) AS n FROM validation_error_logs
		WHERE created_at >= $1
		GROUP BY error_message
		ORDER BY n DESC, error_message ASC
		LIMIT $2
	`, since, mostCommonErrorsLimit)
	if err != nil {
		return st, persistErr("most common errors", err)
	}
	for rows.Next() {
		var ec models.ErrorCount
		if err := rows.Scan(&ec.Message, &ec.Count); err != nil {
			rows.Close()
			return st, persistErr("scan most common errors", err)
		}
		st.MostCommonErrors = append(st.MostCommonErrors, ec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, persistErr("most common errors", err)
	}

	var attempts int
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(attempts), 0) FROM validation_queue WHERE created_at >= $1
	`, since).Scan(&attempts); err != nil {
		return st, persistErr("attempt totals", err)
	}
	st.ErrorRate = errorRate(st.TotalErrors, attempts)
	return st, nil
}

func errorRate(errors, attempts int) float64 {
	if attempts <= 0 {
		return 0
	}
	rate := float64(errors) / float64(attempts)
	if rate > 1 {
		return 1
	}
	return rate
}
