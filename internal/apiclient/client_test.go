package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketsync/internal/integration"
	"ticketsync/internal/ratelimit"
	"ticketsync/pkg/circuitbreaker"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	c := New(Config{
		Vendor:  "zendesk",
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{FailureThreshold: 100},
	}, nil, BasicAuth("ops@acme.io/token", "secret"), zap.NewNop()).
		WithSleep(rec.sleep).
		WithJitterSample(func() float64 { return 0.5 })
	return c, rec
}

func TestDo_RateLimitHonorsRetryAfter(t *testing.T) {
	var calls int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops@acme.io/token", user)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	var out struct{ OK bool }
	require.NoError(t, c.GetJSON(context.Background(), Request{Path: "/api/v2/tickets.json"}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestDo_RateLimitExhaustedReturnsRateLimitError(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	after, ok := integration.IsRateLimit(err)
	require.True(t, ok)
	// 没有 Retry-After，限流器为空，使用默认 60s
	assert.Equal(t, 60*time.Second, after)
	assert.Len(t, rec.delays, 3)
}

func TestDo_ServerErrorsBackOffExponentially(t *testing.T) {
	var calls int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)

	var transient *integration.TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 4, transient.Attempts)
	assert.Equal(t, http.StatusBadGateway, transient.Status)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestDo_BackoffJitter(t *testing.T) {
	samples := []float64{0, 1, 0.75}
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.WithJitterSample(func() float64 {
		v := samples[0]
		samples = samples[1:]
		return v
	})

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	// 默认 20% 抖动
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 2400 * time.Millisecond, 4400 * time.Millisecond}, rec.delays)
}

func TestJittered(t *testing.T) {
	assert.Equal(t, 10*time.Second, jittered(10*time.Second, 0, 0.9))
	assert.Equal(t, 10*time.Second, jittered(10*time.Second, 0.2, 0.5))
	assert.Equal(t, 5*time.Second, jittered(10*time.Second, 0.5, -3))
	assert.Equal(t, 15*time.Second, jittered(10*time.Second, 0.5, 7))
}

func TestDo_TransientRecovers(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := c.Do(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_AuthenticationFailureLocksClient(t *testing.T) {
	var calls int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	assert.True(t, integration.IsAuthentication(err))
	assert.Empty(t, rec.delays)

	_, err = c.Do(context.Background(), Request{Path: "/x"})
	assert.True(t, integration.IsAuthentication(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "locked client must not call the vendor")

	c.Reset()
	_, _ = c.Do(context.Background(), Request{Path: "/x"})
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_OtherClientErrorsArePermanent(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid"}`))
	})

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	assert.True(t, integration.IsPermanent(err))
	assert.Empty(t, rec.delays)
}

func TestDo_WaitsForLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewSlidingWindow(1, time.Minute).WithClock(func() time.Time { return now })

	var waited []time.Duration
	c := New(Config{Vendor: "slack", BaseURL: srv.URL}, limiter, nil, zap.NewNop()).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waited = append(waited, d)
			now = now.Add(d)
			return nil
		})

	_, err := c.Do(context.Background(), Request{Path: "/a"})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), Request{Path: "/b"})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Minute}, waited)
}

func TestDo_ContextCanceledWhileWaiting(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(0, time.Minute)
	c := New(Config{Vendor: "slack", BaseURL: "http://127.0.0.1:1"}, limiter, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, Request{Path: "/a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryAfter_HTTPDate(t *testing.T) {
	c := New(Config{Vendor: "zendesk"}, nil, nil, zap.NewNop())
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))

	d := c.retryAfter(h)
	assert.InDelta(t, 90*time.Second, d, float64(2*time.Second))
}

func TestResolve_AbsoluteNextPage(t *testing.T) {
	c := New(Config{Vendor: "zendesk", BaseURL: "https://acme.zendesk.com"}, nil, nil, zap.NewNop())

	u, err := c.resolve(Request{Path: "https://acme.zendesk.com/api/v2/tickets.json?page=2"})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.zendesk.com/api/v2/tickets.json?page=2", u)

	u, err = c.resolve(Request{Path: "/api/v2/tickets.json", Query: map[string][]string{"per_page": {"100"}}})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.zendesk.com/api/v2/tickets.json?per_page=100", u)
}
