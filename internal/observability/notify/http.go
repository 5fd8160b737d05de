package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// retryStep is the linear backoff unit between sink attempts.
const retryStep = 200 * time.Millisecond

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// PostJSON sends body to endpoint, retrying up to retryLimit more times with a
// linear backoff. service names the sink in errors.
func PostJSON(ctx context.Context, client *http.Client, endpoint, service string, body []byte, retryLimit int) error {
	attempts := max(retryLimit, 0) + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = post(ctx, client, endpoint, service, body)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * retryStep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func post(ctx context.Context, client *http.Client, endpoint, service string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	return checkResponse(resp, service)
}

// checkResponse drains and closes the body, turning non-2xx statuses into errors.
func checkResponse(resp *http.Response, service string) error {
	var respBody []byte
	var readErr error
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	} else {
		_, readErr = io.Copy(io.Discard, resp.Body)
	}
	if readErr != nil {
		readErr = fmt.Errorf("read %s response: %w", service, readErr)
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		readErr = errors.Join(readErr, fmt.Errorf("close response body: %w", closeErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%s %s: %s", service, resp.Status, strings.TrimSpace(string(respBody)))
		return errors.Join(statusErr, readErr)
	}
	return readErr
}
