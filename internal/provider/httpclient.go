package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// httpClient wraps outbound marketplace calls: JSON encoding, auth header,
// a per-process politeness limiter, and outcome classification. The
// correctness gate is the persisted rate-limit bucket; this limiter only
// smooths bursts from one process.
type httpClient struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(baseURL string, rps float64) *httpClient {
	if rps <= 0 {
		rps = 5
	}
	return &httpClient{
		base:    baseURL,
		client:  &http.Client{Timeout: CallTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// doJSON performs one call and decodes the response into out (when non-nil).
// Every failure comes back as a classified *model.AdapterError.
func (c *httpClient) doJSON(ctx context.Context, method, path, token, idempotencyKey string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &model.AdapterError{Outcome: model.OutcomePermanent, Detail: fmt.Sprintf("encode request: %v", err)}
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return &model.AdapterError{Outcome: model.OutcomePermanent, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}

	detail := readErrorBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.AdapterError{Outcome: model.OutcomeRateLimited, Detail: detail}
	case resp.StatusCode == http.StatusNotFound:
		return &model.AdapterError{Outcome: model.OutcomeNotFound, Detail: detail}
	case resp.StatusCode >= 500:
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: detail}
	default:
		return &model.AdapterError{Outcome: model.OutcomePermanent, Detail: detail}
	}
}

func readErrorBody(r io.Reader) string {
	buf, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(buf) == 0 {
		return "upstream error"
	}
	return string(buf)
}

// IsNotFound reports whether err classifies as a missing upstream entity.
func IsNotFound(err error) bool {
	var ae *model.AdapterError
	return errors.As(err, &ae) && ae.Outcome == model.OutcomeNotFound
}
