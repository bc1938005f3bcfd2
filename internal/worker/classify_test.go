package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validation-queue/internal/models"
)

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want models.ErrorStep
	}{
		{"timeout exceeded", models.StepWebhookTimeout},
		{"validation webhook timeout exceeded after 300000ms", models.StepWebhookTimeout},
		{"request Timed Out", models.StepWebhookTimeout},
		{"webhook returned 502", models.StepWebhookCall},
		{"storage object missing", models.StepUploadStorage},
		{"upload failed", models.StepUploadStorage},
		{"knowledge bank unavailable", models.StepKnowledgeBank},
		{"knowledge bank update rejected", models.StepKnowledgeBankUpdate},
		{"insufficient credits", models.StepCreditDeduction},
		{"failed to parse body", models.StepWebhookParse},
		{"invalid JSON from webhook", models.StepWebhookParse},
		{"could not save validation", models.StepDatabaseSave},
		{"something odd", models.StepUnknown},
		{"", models.StepUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyMessage(tc.msg))
		})
	}
}

func TestClassifyPrefersTaggedStep(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", &models.StepError{Step: models.StepCreditDeduction, Err: errors.New("timeout talking to ledger")})
	assert.Equal(t, models.StepCreditDeduction, Classify(err))
}

func TestClassifyDeadline(t *testing.T) {
	assert.Equal(t, models.StepWebhookTimeout, Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, models.StepUnknown, Classify(nil))
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "remote failure" }
func (e statusErr) HTTPStatus() int { return e.code }

func TestHTTPStatus(t *testing.T) {
	code := HTTPStatus(fmt.Errorf("wrapped: %w", statusErr{code: 503}))
	require.NotNil(t, code)
	assert.Equal(t, 503, *code)
	assert.Nil(t, HTTPStatus(errors.New("plain")))
	assert.Nil(t, HTTPStatus(nil))
}
