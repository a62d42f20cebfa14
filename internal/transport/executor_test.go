package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		code := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			code = statuses[n-1]
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(http.StatusText(code)))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func getOp(client *resty.Client, url string) Operation {
	return func(ctx context.Context) (*resty.Response, error) {
		return client.R().SetContext(ctx).Get(url)
	}
}

func TestExecutorRetryBound(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable)

	var delays []time.Duration
	exec := NewExecutor(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond},
		WithBackoffObserver(func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		}))

	_, err := exec.Do(context.Background(), getOp(resty.New(), srv.URL))
	require.Error(t, err)

	assert.True(t, IsExhausted(err))
	assert.Equal(t, int32(4), atomic.LoadInt32(hits), "最多尝试 maxRetries+1 次")
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "退避时间单调不减")
	}
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestExecutorFatalStatus(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv, hits := statusServer(t, code)
			exec := NewExecutor(Config{MaxRetries: 3, BaseDelay: time.Millisecond})

			_, err := exec.Do(context.Background(), getOp(resty.New(), srv.URL))
			require.Error(t, err)

			remoteErr, ok := AsRemoteError(err)
			require.True(t, ok)
			assert.Equal(t, code, remoteErr.StatusCode)
			assert.Equal(t, http.StatusText(code), remoteErr.Body)
			assert.Equal(t, http.MethodGet, remoteErr.Method)
			assert.False(t, IsExhausted(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(hits), "致命错误不重试")
		})
	}
}

func TestExecutorRecoversAfterTransient(t *testing.T) {
	srv, hits := statusServer(t, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusOK)
	exec := NewExecutor(Config{MaxRetries: 3, BaseDelay: time.Millisecond})

	resp, err := exec.Do(context.Background(), getOp(resty.New(), srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
}

func TestExecutorContextCanceled(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable)
	exec := NewExecutor(Config{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Do(ctx, getOp(resty.New(), srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestBackoffSchedule(t *testing.T) {
	exec := NewExecutor(Config{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, exec.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, exec.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, exec.Backoff(3))
	assert.Equal(t, time.Second, exec.Backoff(4))
	assert.Equal(t, time.Second, exec.Backoff(40))

	jittered := NewExecutor(Config{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true})
	prev := time.Duration(0)
	for n := uint(0); n < 8; n++ {
		d := jittered.Backoff(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"408", &RemoteError{StatusCode: 408}, true},
		{"429", &RemoteError{StatusCode: 429}, true},
		{"500", &RemoteError{StatusCode: 500}, true},
		{"404", &RemoteError{StatusCode: 404}, false},
		{"401", &RemoteError{StatusCode: 401}, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "remote.invalid"}, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset", syscall.ECONNRESET, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"exhausted", &ExhaustedError{Attempts: 4, Last: &RemoteError{StatusCode: 503}}, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestAuthGuidance(t *testing.T) {
	assert.Contains(t, (&RemoteError{StatusCode: 401}).AuthGuidance(), "invalid")
	assert.Contains(t, (&RemoteError{StatusCode: 403}).AuthGuidance(), "scope")
	assert.Empty(t, (&RemoteError{StatusCode: 500}).AuthGuidance())
}
