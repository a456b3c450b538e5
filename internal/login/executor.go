package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdg-abesec/abeslink/internal/probe"
)

// Outcome is the terminal result of a login run.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeInvalidCredentials Outcome = "invalid_credentials"
	OutcomeNetworkError       Outcome = "network_error"
	OutcomePortalUnreachable  Outcome = "portal_unreachable"
)

const (
	// DefaultMaxAttempts is the total attempt budget for one login run.
	DefaultMaxAttempts = 3
	// DefaultRateLimit is the sustained submission rate.
	DefaultRateLimit = rate.Limit(6.0 / 60.0)
	// DefaultRateBurst allows a few quick manual retries.
	DefaultRateBurst = 3
	// DefaultAttemptTimeout bounds a single submission so a hanging portal
	// leaves budget for the remaining attempts.
	DefaultAttemptTimeout = 10 * time.Second

	maxResponseBytes = 64 * 1024
)

var (
	// ErrRejected is wrapped by Result.Err when the portal refused the credentials.
	ErrRejected = errors.New("portal rejected credentials")
	// ErrUnreachable is wrapped by Result.Err when the portal answered unexpectedly.
	ErrUnreachable = errors.New("portal unreachable")
	// ErrNetwork is wrapped by Result.Err when every attempt failed in transport.
	ErrNetwork = errors.New("network error during login")
)

// Label returns a short human-readable description of the outcome.
func (o Outcome) Label() string {
	switch o {
	case OutcomeSuccess:
		return "Login successful"
	case OutcomeInvalidCredentials:
		return "Invalid credentials"
	case OutcomeNetworkError:
		return "Network error"
	case OutcomePortalUnreachable:
		return "Portal unreachable"
	default:
		return string(o)
	}
}

// Result describes a finished login run.
type Result struct {
	Outcome  Outcome
	Attempts int
	Latency  time.Duration
	// Failure is the transport failure of the last attempt, if any.
	Failure probe.Failure
	Err     error
}

// Executor submits credentials to a portal through an Adapter.
// It is safe for concurrent use; the engine serializes runs anyway.
type Executor struct {
	adapter Adapter
	client  *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	rnd     func() float64
	// attemptTimeout is the per-submission deadline; zero disables it.
	attemptTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient replaces the HTTP client used for submissions.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// WithLimiter replaces the submission rate limiter. nil disables limiting.
func WithLimiter(l *rate.Limiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// WithAttemptTimeout sets the deadline of a single submission. Zero or
// less leaves only the caller's context.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) ExecutorOption {
	return func(e *Executor) { e.rnd = fn }
}

// NewExecutor creates a login executor for the given adapter.
func NewExecutor(adapter Adapter, opts ...ExecutorOption) *Executor {
	e := &Executor{
		adapter: adapter,
		client: &http.Client{Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
			DialContext: (&net.Dialer{
				Timeout: DefaultAttemptTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   DefaultAttemptTimeout,
			ResponseHeaderTimeout: DefaultAttemptTimeout,
		}},
		limiter:        rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		sleep:          sleepContext,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttemptLogin submits creds and retries transport failures until
// maxAttempts total attempts have been made. A rejection or an unexpected
// portal answer ends the run immediately.
func (e *Executor) AttemptLogin(ctx context.Context, portalURL string, creds Credentials, maxAttempts int, policy BackoffPolicy) Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				res.Outcome = OutcomeNetworkError
				res.Failure = probe.FailureTimeout
				res.Err = fmt.Errorf("%w: rate limiter: %w", ErrNetwork, err)
				break
			}
		}

		outcome, failure, err := e.submit(ctx, portalURL, creds)
		res.Failure = failure
		if failure == probe.FailureNone || failure == probe.FailureInternal {
			res.Outcome = outcome
			res.Err = err
			break
		}

		slog.Warn("Login attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"failure", failure,
			"error", err)

		res.Outcome = OutcomeNetworkError
		res.Err = fmt.Errorf("%w: %w", ErrNetwork, err)
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		if err := e.sleep(ctx, policy.Delay(attempt, e.rnd)); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrNetwork, err)
			break
		}
	}

	res.Latency = time.Since(start)
	slog.Info("Login run finished",
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"username_len", len(creds.Username),
		"latency_ms", res.Latency.Milliseconds())
	return res
}

// submit performs one attempt. A non-empty network failure means the
// attempt may be retried.
func (e *Executor) submit(ctx context.Context, portalURL string, creds Credentials) (Outcome, probe.Failure, error) {
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	req, err := e.adapter.NewRequest(ctx, portalURL, creds)
	if err != nil {
		return OutcomePortalUnreachable, probe.FailureInternal, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return OutcomeNetworkError, probe.ClassifyError(err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return OutcomeNetworkError, probe.ClassifyError(err), fmt.Errorf("failed to read portal response: %w", err)
	}

	switch outcome := e.adapter.Interpret(resp.StatusCode, body); outcome {
	case OutcomeSuccess:
		return outcome, probe.FailureNone, nil
	case OutcomeInvalidCredentials:
		return outcome, probe.FailureNone, ErrRejected
	default:
		return OutcomePortalUnreachable, probe.FailureNone,
			fmt.Errorf("%w: unexpected response %d", ErrUnreachable, resp.StatusCode)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
