package engine

import (
	"context"
	"errors"
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/probe"
	"github.com/gdg-abesec/abeslink/internal/scheduler"
)

// CredentialStore holds the portal credentials. Get returns
// login.ErrNoCredentials when nothing is stored.
type CredentialStore interface {
	Get() (login.Credentials, error)
	Set(username, password string) error
	Clear() error
	Has() bool
}

// SettingsStore persists the user settings.
type SettingsStore interface {
	Get() config.Settings
	Set(config.Settings) error
	Reset() (config.Settings, error)
}

// Prober performs one connectivity check.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) probe.Result
}

// LoginRunner submits credentials to the portal.
type LoginRunner interface {
	AttemptLogin(ctx context.Context, portalURL string, creds login.Credentials, maxAttempts int, policy login.BackoffPolicy) login.Result
}

// Recorder observes engine activity, typically for metrics.
type Recorder interface {
	ProbeCompleted(status portal.Status, failure probe.Failure, latency time.Duration)
	LoginCompleted(outcome login.Outcome, attempts int, latency time.Duration)
	StatusChanged(status portal.Status)
	RequestRejected(operation string)
}

// Ticker fires the periodic probe.
type Ticker interface {
	Start(interval time.Duration) error
	Reschedule(interval time.Duration) error
	Stop()
	Next() time.Time
}

// Deps are the engine's collaborators. Recorder and Sink are optional.
type Deps struct {
	Credentials CredentialStore
	Settings    SettingsStore
	Prober      Prober
	Login       LoginRunner
	Recorder    Recorder
	Sink        activity.Sink
}

func (d Deps) validate() error {
	switch {
	case d.Credentials == nil:
		return errors.New("engine: credential store is required")
	case d.Settings == nil:
		return errors.New("engine: settings store is required")
	case d.Prober == nil:
		return errors.New("engine: prober is required")
	case d.Login == nil:
		return errors.New("engine: login runner is required")
	}
	return nil
}

// Options tune the engine. Zero fields take the defaults of DefaultOptions.
type Options struct {
	ProbeTimeout     time.Duration
	LoginBudget      time.Duration
	MaxAttempts      int
	Backoff          login.BackoffPolicy
	HighLatency      time.Duration
	CredentialPolicy login.Policy
	LogCapacity      int
	// History seeds the activity log, newest first.
	History []activity.Entry
	// NewTicker builds the periodic timer around job.
	NewTicker func(job func()) Ticker
	// Now is the clock used for state timestamps.
	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ProbeTimeout:     probe.DefaultTimeout,
		LoginBudget:      config.DefaultLoginBudget,
		MaxAttempts:      login.DefaultMaxAttempts,
		Backoff:          login.DefaultBackoff(),
		HighLatency:      config.DefaultHighLatency,
		CredentialPolicy: login.DefaultPolicy(),
		LogCapacity:      activity.DefaultCapacity,
		NewTicker: func(job func()) Ticker {
			return scheduler.NewTimer(job)
		},
		Now: time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.LoginBudget <= 0 {
		o.LoginBudget = def.LoginBudget
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff == (login.BackoffPolicy{}) {
		o.Backoff = def.Backoff
	}
	if o.HighLatency <= 0 {
		o.HighLatency = def.HighLatency
	}
	if o.CredentialPolicy == (login.Policy{}) {
		o.CredentialPolicy = def.CredentialPolicy
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = def.LogCapacity
	}
	if o.NewTicker == nil {
		o.NewTicker = def.NewTicker
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

type nopRecorder struct{}

func (nopRecorder) ProbeCompleted(portal.Status, probe.Failure, time.Duration) {}
func (nopRecorder) LoginCompleted(login.Outcome, int, time.Duration)          {}
func (nopRecorder) StatusChanged(portal.Status)                                {}
func (nopRecorder) RequestRejected(string)                                     {}
