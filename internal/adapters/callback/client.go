// Package callback notifies the bot service that a prediction is ready by calling
// its results endpoint, the way a detector running in a separate process does.
package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// QueryParam carries the job id on the results endpoint.
const QueryParam = "predictionId"

// Config points at the bot service's results endpoint.
type Config struct {
	// ResultsURL is the absolute URL of POST /results.
	ResultsURL string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client is a core.CompletionNotifier that POSTs <ResultsURL>?predictionId=<jobID>.
type Client struct {
	endpoint   *url.URL
	retryLimit int
	client     *http.Client
}

var _ core.CompletionNotifier = (*Client)(nil)

// NewClient validates cfg.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.ResultsURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.ValidationField("results_url", "results url must be an absolute URL")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: u, retryLimit: max(cfg.RetryLimit, 0), client: hc}, nil
}

// NotifyCompleted calls the results endpoint, retrying transient failures with a linear backoff.
// A 404 means the reader could not see the result yet and is retried as well.
func (c *Client) NotifyCompleted(ctx context.Context, jobID string) error {
	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = c.post(ctx, jobID)
		if lastErr == nil || !apperrors.IsTransient(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, jobID string) error {
	u := *c.endpoint
	q := u.Query()
	q.Set(QueryParam, jobID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.Transient(err, "results callback failed")
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if closeErr := resp.Body.Close(); closeErr != nil {
		return fmt.Errorf("close response body: %w", closeErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	cause := fmt.Errorf("results callback %s: %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= http.StatusInternalServerError {
		return apperrors.Transient(cause, "results endpoint not ready")
	}
	return apperrors.Wrap(cause, apperrors.ErrCodeInternal, "results endpoint rejected callback")
}
