package meta

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

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	waits := &[]time.Duration{}
	c := New(
		WithBaseURL(srv.URL),
		WithAPIVersion("v21.0"),
		WithMaxAttempts(3),
		WithBackoffBase(10*time.Millisecond),
	)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return c, waits
}

func TestDoSuccess(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"123"}`))
	})

	raw, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "me", AccessToken: "tok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"123"}`, string(raw))
	assert.Equal(t, int32(1), calls)
}

func TestRetryAfterHeaderDrivesDelay(t *testing.T) {
	var calls int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"throttled","code":4}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "me/messages", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)

	require.Len(t, *waits, 2)
	for _, d := range *waits {
		assert.GreaterOrEqual(t, d, 7*time.Second)
	}
}

func TestRateLimitExhaustedReturnsTypedError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"throttled","code":613}}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "me/messages", AccessToken: "tok"})
	require.Error(t, err)

	wait, ok := IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, wait)
}

func TestCapabilityErrorFailsOnFirstAttempt(t *testing.T) {
	var calls int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"requires pages_messaging","type":"OAuthException","code":10,"fbtrace_id":"AbCdEf"}}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "me/messages", AccessToken: "tok"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls, "capability errors must not consume retry budget")
	assert.Empty(t, *waits)
	assert.True(t, IsCapabilityError(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 10, apiErr.Code)
	assert.Equal(t, "AbCdEf", apiErr.TraceID)
}

func TestServerErrorRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"internal","code":2}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "me", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
}

func TestValidationErrorNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid parameter","code":100,"fbtrace_id":"Xyz"}}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "me/messages", AccessToken: "tok"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
	assert.False(t, IsCapabilityError(err))

	_, ok := IsRateLimit(err)
	assert.False(t, ok)
}

func TestEstimatedRegainMinutes(t *testing.T) {
	t.Run("valid header", func(t *testing.T) {
		mins := estimatedRegainMinutes(`{"123456":[{"type":"messenger","call_count":100,"estimated_time_to_regain_access":12}]}`)
		assert.Equal(t, 12, mins)
	})

	t.Run("multiple entries takes max", func(t *testing.T) {
		mins := estimatedRegainMinutes(`{"a":[{"estimated_time_to_regain_access":3}],"b":[{"estimated_time_to_regain_access":9}]}`)
		assert.Equal(t, 9, mins)
	})

	t.Run("garbage header", func(t *testing.T) {
		assert.Equal(t, 0, estimatedRegainMinutes("not json"))
	})
}

func TestUsageHeaderFallback(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("X-Business-Use-Case-Usage", `{"123":[{"estimated_time_to_regain_access":5}]}`)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"throttled","code":17}}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "me/messages", AccessToken: "tok"})
	require.Error(t, err)

	wait, ok := IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, wait)
}
