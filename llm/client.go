package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var initialRetryInterval = 500 * time.Millisecond

// client posts JSON to a model endpoint, pacing calls with a token bucket and
// retrying transient failures.
type client struct {
	http       *http.Client
	limiter    *rate.Limiter
	apiKey     string
	maxRetries uint64
}

func newClient(cfg Config, timeout time.Duration) *client {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	return &client{
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.maxRetries(),
	}
}

// statusError is a non-2xx reply
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *client) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryInterval
	policy.MaxInterval = 10 * time.Second

	operation := func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			statusErr := &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if retryable(resp.StatusCode) {
				return nil, statusErr
			}
			return nil, backoff.Permanent(statusErr)
		}
		return body, nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"endpoint": endpoint,
			"wait":     wait,
		}).WithError(err).Warn("Model request failed, retrying")
	}

	body, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx), notify)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return body, nil
}
