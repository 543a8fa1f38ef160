package netutil

import (
	"net/http"
	"strconv"
	"time"
)

// RetryTransport wraps an http.RoundTripper with bounded retry. Transient
// failures (network errors, 429, 502, 503, 504) back off exponentially;
// a Retry-After header overrides the computed wait.
type RetryTransport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry is called before each retry with the 1-based attempt number,
	// the wait duration, and the status code (0 for network errors).
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	// MaxRetries bounds the retry attempts. Defaults to 3.
	MaxRetries int

	// InitialBackoff is the first wait. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including Retry-After. Defaults to 30s.
	MaxBackoff time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	maxRetries := t.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initial := t.InitialBackoff
	if initial == 0 {
		initial = time.Second
	}
	maxBackoff := t.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Retried requests need a fresh body.
		attemptReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := base.RoundTrip(attemptReq)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				wait := t.backoff(attempt, initial, maxBackoff, nil)
				if t.OnRetry != nil {
					t.OnRetry(attempt+1, wait, 0)
				}
				if err := sleep(req, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastResp = resp
		lastErr = nil

		if attempt < maxRetries {
			wait := t.backoff(attempt, initial, maxBackoff, resp)
			if t.OnRetry != nil {
				t.OnRetry(attempt+1, wait, resp.StatusCode)
			}
			_ = resp.Body.Close()
			if err := sleep(req, wait); err != nil {
				return nil, err
			}
			continue
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// sleep waits out the backoff, aborting early if the request is cancelled.
func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// backoff computes the wait for an attempt, honoring Retry-After when the
// server sent one.
func (t *RetryTransport) backoff(attempt int, initial, maxWait time.Duration, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				return clampWait(time.Duration(seconds)*time.Second, initial, maxWait)
			}
			if at, err := http.ParseTime(retryAfter); err == nil {
				return clampWait(time.Until(at), initial, maxWait)
			}
		}
	}
	return clampWait(initial*(1<<attempt), initial, maxWait)
}

func clampWait(d, initial, maxWait time.Duration) time.Duration {
	if d < 0 {
		return initial
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

// isRetryableStatus reports whether the status code marks a transient
// condition. 4xx responses other than 429 are never retried.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableStatus reports whether a status code would be retried.
func IsRetryableStatus(statusCode int) bool {
	return isRetryableStatus(statusCode)
}
