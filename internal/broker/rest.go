// rest.go holds the HTTP plumbing shared by every live adapter: resty client
// construction and the retry policy for rate-limit responses.
package broker

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// newRestClient builds a resty client with the house retry policy: 5xx and
// transport errors are retried in-client; 429/403 are handled by retryRated
// so the longer backoff does not hold a resty worker.
func newRestClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

// retryRated runs fn, retrying up to 3 times when the venue answers 429 or
// 403 (temporarily blocked). Backoff is exponential with jitter from a
// 1.5s-5s base; 403 waits are capped at 20s because blocks outlast bursts.
func retryRated(ctx context.Context, logger zerolog.Logger, fn func() (*resty.Response, error)) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			base := 1500*time.Millisecond + time.Duration(rand.Int63n(int64(3500*time.Millisecond)))
			wait := base << (attempt - 1)
			if resp != nil && resp.StatusCode() == http.StatusForbidden && wait > 20*time.Second {
				wait = 20 * time.Second
			}
			logger.Warn().Int("attempt", attempt).Dur("wait", wait).
				Int("status", resp.StatusCode()).Msg("rate limited, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		resp, err = fn()
		if err != nil {
			return resp, err
		}
		code := resp.StatusCode()
		if code != http.StatusTooManyRequests && code != http.StatusForbidden {
			return resp, nil
		}
	}
	return resp, nil
}
