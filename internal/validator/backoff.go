package validator

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// retryTransport resends a request on network errors and retryable
// statuses, up to retries extra attempts.
type retryTransport struct {
	next    http.RoundTripper
	retries int
	base    time.Duration
	max     time.Duration
	jitter  func() time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRetryTransport(next http.RoundTripper, retries int, base, max time.Duration) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &retryTransport{
		next:    next,
		retries: retries,
		base:    base,
		max:     max,
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(300 * time.Millisecond))) },
		sleep:   sleepCtx,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	retries := t.retries
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		r := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = req.Clone(req.Context())
			r.Body = body
		}

		resp, err := t.next.RoundTrip(r)
		if err != nil {
			if attempt >= retries {
				return nil, err
			}
			if serr := t.sleep(req.Context(), t.delay(attempt, "")); serr != nil {
				return nil, err
			}
			continue
		}
		if !retryStatus[resp.StatusCode] || attempt >= retries {
			return resp, nil
		}

		d := t.delay(attempt, resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := t.sleep(req.Context(), d); err != nil {
			return nil, err
		}
	}
}

// delay honors a numeric Retry-After hint clamped to [0.5s, max], otherwise
// doubles base per attempt up to max and adds jitter.
func (t *retryTransport) delay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(retryAfter), 64); err == nil {
			d := time.Duration(secs * float64(time.Second))
			if d < 500*time.Millisecond {
				d = 500 * time.Millisecond
			}
			if d > t.max {
				d = t.max
			}
			return d
		}
	}
	return backoffExp(attempt, t.base, t.max) + t.jitter()
}

func backoffExp(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return min(base, max)
	}
	d := base << attempt // base, 2*base, 4*base...
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
