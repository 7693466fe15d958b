package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// apiClient is the shared HTTP plumbing for agency integrations: request
// building, JSON decoding, and translation of transport-level failures into
// the connector error taxonomy.
type apiClient struct {
	agency  string
	baseURL string
	httpc   *http.Client
}

func newAPIClient(agency, baseURL string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{
		agency:  agency,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// newRequest builds a JSON request against path (absolute or relative to the
// base URL). headers are applied last so callers can set auth.
func (c *apiClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := path
	if len(path) == 0 || path[0] == '/' {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(KindUnknown, c.agency, fmt.Errorf("marshal request body: %w", err))
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, buf)
	if err != nil {
		return nil, NewError(KindConfiguration, c.agency, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doJSON executes req and decodes a 2xx response into dest. Every failure
// mode maps onto the taxonomy:
//
//	timeouts / ctx deadline → Timeout
//	other transport errors  → NetworkError
//	401                     → AuthenticationFailed
//	429                     → RateLimitExceeded (Retry-After honored)
//	5xx                     → NetworkError (retried like a broken pipe)
//	other non-2xx, bad JSON → InvalidResponse
func (c *apiClient) doJSON(req *http.Request, dest any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return NewError(KindTimeout, c.agency, err)
		}
		return NewError(KindNetwork, c.agency, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindNetwork, c.agency, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return NewError(KindAuth, c.agency, fmt.Errorf("status 401: %s", truncate(raw)))
	case resp.StatusCode == http.StatusTooManyRequests:
		e := NewError(KindRateLimit, c.agency, fmt.Errorf("status 429: %s", truncate(raw)))
		e.RetryAfter = retryAfter(resp.Header)
		return e
	case resp.StatusCode >= 500:
		return NewError(KindNetwork, c.agency, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return NewError(KindInvalid, c.agency, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	}

	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return NewError(KindInvalid, c.agency, fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}

// retryAfter parses a Retry-After header in seconds. Absent or unparseable
// values return 0; the poller falls back to its default sleep.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
