package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// RESTClient is the JSON-over-HTTP transport shared by the REST adapters. It
// maps HTTP statuses onto the adapter error taxonomy and waits out 429
// responses a bounded number of times before giving up.
type RESTClient struct {
	BaseURL   string
	StoreID   string
	HTTP      *http.Client
	Authorize func(req *http.Request)
	MaxWaits  int
	Logger    *slog.Logger

	// ThrottleBackoff paces 429 retries that carry no Retry-After header
	ThrottleBackoff func() backoff.BackOff
}

// NewRESTClient builds a client for store rooted at baseURL
func NewRESTClient(store Store, baseURL string, authorize func(*http.Request), logger *slog.Logger) *RESTClient {
	store = store.withDefaults()
	return &RESTClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		StoreID:   store.ID,
		HTTP:      &http.Client{},
		Authorize: authorize,
		MaxWaits:  store.MaxThrottleWaits,
		Logger:    logger,
		ThrottleBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Do sends a JSON request and decodes a 2xx JSON response into out when out
// is non-nil. It returns the response headers of the final attempt.
func (c *RESTClient) Do(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &models.AdapterError{StoreID: c.StoreID, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	throttle := c.ThrottleBackoff()
	for waits := 0; ; waits++ {
		resp, err := c.send(ctx, method, endpoint, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &models.AdapterError{StoreID: c.StoreID, Op: op, Transient: true, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &models.AdapterError{StoreID: c.StoreID, Op: op, Transient: true, Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header)
			if wait == 0 {
				wait = throttle.NextBackOff()
			}
			if waits >= c.MaxWaits {
				return nil, &models.RateLimitExceededError{StoreID: c.StoreID, RetryAfter: wait}
			}
			// a wait that would outlast the call deadline is reported as throttling, not a timeout
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				return nil, &models.RateLimitExceededError{StoreID: c.StoreID, RetryAfter: wait}
			}

			c.Logger.Debug("store throttled request, waiting",
				"store_id", c.StoreID, "op", op, "wait", wait, "attempt", waits+1)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if err := c.classify(op, resp.StatusCode, respBody); err != nil {
			return nil, err
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return nil, &models.AdapterError{StoreID: c.StoreID, Op: op, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return resp.Header, nil
	}
}

func (c *RESTClient) send(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}

	return c.HTTP.Do(req)
}

// classify maps a non-429 status onto the adapter error taxonomy
func (c *RESTClient) classify(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	detail := errors.New(strings.TrimSpace(truncate(string(body), 512)))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &models.AuthExpiredError{StoreID: c.StoreID, Err: detail}
	case status == http.StatusNotFound:
		return &models.AdapterError{StoreID: c.StoreID, Op: op, StatusCode: status, Err: models.ErrEntityNotFound}
	case status >= 500 || status == http.StatusRequestTimeout:
		return &models.AdapterError{StoreID: c.StoreID, Op: op, StatusCode: status, Transient: true, Err: detail}
	}
	return &models.AdapterError{StoreID: c.StoreID, Op: op, StatusCode: status, Err: detail}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
