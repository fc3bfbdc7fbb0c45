package validator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := New(Config{
		TokenURL: srv.URL,
		Scopes:   []string{"https://graph.microsoft.com/.default"},
		Retries:  3,
		Base:     time.Second,
		Max:      10 * time.Second,
	})
	var slept []time.Duration
	c.retry.jitter = func() time.Duration { return 0 }
	c.retry.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func writeToken(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`))
}

func TestValidateSuccessSendsRefreshForm(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://graph.microsoft.com/.default", r.PostForm.Get("scope"))
		writeToken(w)
	})

	res := c.Validate(context.Background(), "client-1", "rt-1")
	assert.True(t, res.OK)
	assert.Empty(t, res.Error)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestValidateRetriesThrottledThenSucceeds(t *testing.T) {
	var calls int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"), "body must be replayed on retry")
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeToken(w)
	})

	res := c.Validate(context.Background(), "c", "rt")
	assert.True(t, res.OK)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestValidateHonorsRetryAfter(t *testing.T) {
	var calls int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			writeToken(w)
		}
	})

	res := c.Validate(context.Background(), "c", "rt")
	assert.True(t, res.OK)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 10 * time.Second}, *slept)
}

func TestValidateExhaustedThrottleReportsStatus(t *testing.T) {
	var calls int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"temporarily_unavailable"}`))
	})

	res := c.Validate(context.Background(), "c", "rt")
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "temporarily_unavailable", res.Error)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
	assert.Len(t, *slept, 3)
}

func TestValidatePermanentErrorIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70000: token revoked"}`))
	})

	res := c.Validate(context.Background(), "c", "rt")
	assert.False(t, res.OK)
	assert.Equal(t, "AADSTS70000: token revoked", res.Error)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestValidateBareStatusError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	res := c.Validate(context.Background(), "c", "rt")
	assert.False(t, res.OK)
	assert.Equal(t, "HTTP 403", res.Error)
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0, time.Second, 10*time.Second))
	assert.Equal(t, 4*time.Second, backoffExp(2, time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, backoffExp(5, time.Second, 10*time.Second))
}
