package store

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"validation-queue/internal/models"
)

// ItemUpdate collects the optional columns written together with a status change.
// Nil fields are left untouched.
type ItemUpdate struct {
	Attempts       *int
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	ClearNextRetry bool
	CompletedAt    *time.Time
	ValidationID   *string
	ErrorLog       *string
	ErrorDetails   *models.ErrorDetails
	ClearErrors    bool
	// FromStatuses restricts the update to items currently in one of these statuses.
	FromStatuses []models.Status
}

func (u ItemUpdate) check(status models.Status, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if u.Attempts != nil && *u.Attempts < 0 {
		return errors.New("attempts must not be negative")
	}
	if u.NextRetryAt != nil && !u.NextRetryAt.After(now) {
		return fmt.Errorf("next_retry_at %s is not in the future", u.NextRetryAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func (u ItemUpdate) allows(current models.Status) bool {
	return len(u.FromStatuses) == 0 || slices.Contains(u.FromStatuses, current)
}

func statusStrings(in []models.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
