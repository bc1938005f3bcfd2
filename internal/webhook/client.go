package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"validation-queue/internal/files"
	"validation-queue/internal/models"
)

// ErrInvalidResponse marks a 2xx reply that could not be understood.
var ErrInvalidResponse = errors.New("invalid response")

// StatusError is a non-2xx reply from the webhook.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.Code)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.Code, e.Body)
}

// HTTPStatus exposes the status code to error logging.
func (e *StatusError) HTTPStatus() int { return e.Code }

// Request is the payload posted to the validation webhook.
type Request struct {
	QueueID      string                  `json:"queue_id,omitempty"`
	UserID       string                  `json:"user_id"`
	ProductID    *string                 `json:"product_id,omitempty"`
	Criteria     string                  `json:"criteria"`
	ProductName  string                  `json:"product_name,omitempty"`
	Manufacturer string                  `json:"manufacturer,omitempty"`
	Language     string                  `json:"language,omitempty"`
	Options      map[string]string       `json:"options,omitempty"`
	Files        []files.Resolved        `json:"files"`
	Knowledge    []models.KnowledgeEntry `json:"knowledge"`
}

// Response is the webhook's verdict.
type Response struct {
	Verdict string                   `json:"verdict"`
	Score   float64                  `json:"score"`
	Summary string                   `json:"summary"`
	Results []models.CriterionResult `json:"results"`
}

const maxBodyBytes = 8 << 20

// Client posts validation requests to the AI webhook.
type Client struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client. ratePerSec <= 0 disables throttling.
func NewClient(url, token string, ratePerSec float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(1, int(ratePerSec))
	}
	return &Client{
		url:     url,
		token:   token,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Validate posts req and decodes the verdict. The raw body is returned for auditing.
// Deadline expiry surfaces as an error wrapping context.DeadlineExceeded.
func (c *Client) Validate(ctx context.Context, req Request) (Response, json.RawMessage, error) {
	if c.url == "" {
		return Response{}, nil, errors.New("webhook url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Response{}, nil, fmt.Errorf("webhook throttle: %w", ctx.Err())
		}
		return Response{}, nil, fmt.Errorf("webhook throttle: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, nil, fmt.Errorf("marshal webhook request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, nil, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, nil, fmt.Errorf("webhook call after %s: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
		}
		return Response{}, nil, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, nil, fmt.Errorf("read webhook response: %w", ctx.Err())
		}
		return Response{}, nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, nil, &StatusError{Code: resp.StatusCode, Body: snippet(raw)}
	}
	if len(raw) > maxBodyBytes {
		return Response{}, nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, maxBodyBytes)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := out.validate(); err != nil {
		return Response{}, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out, json.RawMessage(raw), nil
}

func (r Response) validate() error {
	if strings.TrimSpace(r.Verdict) == "" {
		return errors.New("verdict missing")
	}
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("score %v out of range", r.Score)
	}
	for i, res := range r.Results {
		if strings.TrimSpace(res.Requirement) == "" {
			return fmt.Errorf("results[%d]: requirement missing", i)
		}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
