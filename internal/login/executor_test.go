package login

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gdg-abesec/abeslink/internal/probe"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

type recordedSleeps struct {
	delays []time.Duration
}

func (s *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestExecutor(t *testing.T, rt http.RoundTripper, sleeps *recordedSleeps) *Executor {
	t.Helper()
	adapter, err := NewFormAdapter(AdapterConfig{Preset: "cyberoam"})
	require.NoError(t, err)
	return NewExecutor(adapter,
		WithHTTPClient(&http.Client{Transport: rt}),
		WithLimiter(nil),
		WithSleep(sleeps.sleep),
		WithRand(func() float64 { return 0 }),
	)
}

const portalLogin = "http://10.0.0.1:8090/login.xml"

func TestAttemptLogin_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "2100320120045", r.PostForm.Get("username"))
		assert.Equal(t, "secret1", r.PostForm.Get("password"))
		_, _ = w.Write([]byte("<message>You are signed in as {username}</message>"))
	}))
	defer srv.Close()

	sleeps := &recordedSleeps{}
	e := newTestExecutor(t, http.DefaultTransport, sleeps)

	res := e.AttemptLogin(context.Background(), srv.URL+"/login.xml", testCreds, 3, DefaultBackoff())

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, probe.FailureNone, res.Failure)
	assert.Empty(t, sleeps.delays)
}

func TestAttemptLogin_RejectedAfterOneAttempt(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return response(200, "Invalid user name/password"), nil
	})

	sleeps := &recordedSleeps{}
	res := newTestExecutor(t, rt, sleeps).AttemptLogin(context.Background(), portalLogin, testCreds, 5, DefaultBackoff())

	assert.Equal(t, OutcomeInvalidCredentials, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Empty(t, sleeps.delays)
}

func TestAttemptLogin_RetriesNetworkFailures(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		}
		return response(200, "You are signed in"), nil
	})

	sleeps := &recordedSleeps{}
	res := newTestExecutor(t, rt, sleeps).AttemptLogin(context.Background(), portalLogin, testCreds, 3, DefaultBackoff())

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1 * time.Second}, sleeps.delays)
}

func TestAttemptLogin_NeverExceedsMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		var calls atomic.Int32
		rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
		})

		sleeps := &recordedSleeps{}
		res := newTestExecutor(t, rt, sleeps).AttemptLogin(context.Background(), portalLogin, testCreds, maxAttempts, DefaultBackoff())

		assert.Equal(t, OutcomeNetworkError, res.Outcome)
		assert.Equal(t, maxAttempts, res.Attempts)
		assert.Equal(t, int32(maxAttempts), calls.Load())
		assert.Len(t, sleeps.delays, maxAttempts-1)
		assert.ErrorIs(t, res.Err, ErrNetwork)
		assert.Equal(t, probe.FailureNetwork, res.Failure)
	}
}

func TestAttemptLogin_ZeroAttemptsMeansOne(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return response(200, "You are signed in"), nil
	})

	res := newTestExecutor(t, rt, &recordedSleeps{}).AttemptLogin(context.Background(), portalLogin, testCreds, 0, DefaultBackoff())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAttemptLogin_PortalUnreachableNotRetried(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return response(503, "Service Unavailable"), nil
	})

	res := newTestExecutor(t, rt, &recordedSleeps{}).AttemptLogin(context.Background(), portalLogin, testCreds, 3, DefaultBackoff())

	assert.Equal(t, OutcomePortalUnreachable, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, res.Err, ErrUnreachable)
}

func TestAttemptLogin_NoPortalURL(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})

	res := newTestExecutor(t, rt, &recordedSleeps{}).AttemptLogin(context.Background(), "", testCreds, 3, DefaultBackoff())

	assert.Equal(t, OutcomePortalUnreachable, res.Outcome)
	assert.Equal(t, probe.FailureInternal, res.Failure)
	assert.ErrorIs(t, res.Err, ErrNoLoginURL)
}

func TestAttemptLogin_ContextCanceledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		cancel()
		return nil, context.Canceled
	})

	res := newTestExecutor(t, rt, &recordedSleeps{}).AttemptLogin(ctx, portalLogin, testCreds, 5, DefaultBackoff())

	assert.Equal(t, OutcomeNetworkError, res.Outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAttemptLogin_HangingPortalRetriedPerAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	adapter, err := NewFormAdapter(AdapterConfig{Preset: "cyberoam"})
	require.NoError(t, err)
	sleeps := &recordedSleeps{}
	e := NewExecutor(adapter,
		WithLimiter(nil),
		WithSleep(sleeps.sleep),
		WithAttemptTimeout(50*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := e.AttemptLogin(ctx, srv.URL+"/login.xml", testCreds, 3, DefaultBackoff())

	assert.Equal(t, OutcomeNetworkError, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, probe.FailureTimeout, res.Failure)
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, sleeps.delays, 2)
	assert.Less(t, res.Latency, 5*time.Second)
}

func TestAttemptLogin_RateLimited(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return response(200, "You are signed in"), nil
	})
	adapter, err := NewFormAdapter(AdapterConfig{Preset: "cyberoam"})
	require.NoError(t, err)

	e := NewExecutor(adapter,
		WithHTTPClient(&http.Client{Transport: rt}),
		WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)),
	)

	first := e.AttemptLogin(context.Background(), portalLogin, testCreds, 1, DefaultBackoff())
	assert.Equal(t, OutcomeSuccess, first.Outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := e.AttemptLogin(ctx, portalLogin, testCreds, 1, DefaultBackoff())
	assert.Equal(t, OutcomeNetworkError, second.Outcome)
	assert.ErrorIs(t, second.Err, ErrNetwork)
}

func TestOutcome_Label(t *testing.T) {
	assert.Equal(t, "Login successful", OutcomeSuccess.Label())
	assert.Equal(t, "Invalid credentials", OutcomeInvalidCredentials.Label())
	assert.Equal(t, "Network error", OutcomeNetworkError.Label())
	assert.Equal(t, "Portal unreachable", OutcomePortalUnreachable.Label())
}
