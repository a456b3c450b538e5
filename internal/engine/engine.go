package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/scheduler"
)

// Trigger names what started a cycle; it only appears in logs.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// DefaultSubscriberBuffer is used when Subscribe is given a non-positive buffer.
const DefaultSubscriberBuffer = 8

var (
	// ErrInvalidCredentials wraps every credential policy violation.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotRunning rejects an on-demand request while monitoring is stopped.
	ErrNotRunning = errors.New("engine is not running")
	// ErrBusy rejects an on-demand request while a probe or login holds the gate.
	ErrBusy = errors.New("a probe or login is already in progress")
)

// Engine is the sole owner and mutator of State. Probes and logins run on
// their own goroutines; their results are applied under the engine lock
// only if they still belong to the current epoch and gate ticket.
type Engine struct {
	deps     Deps
	opts     Options
	recorder Recorder
	log      *activity.Log
	gate     *scheduler.Gate
	ticker   Ticker
	// interval is what the ticker was last started or rescheduled with.
	interval time.Duration

	mu      sync.Mutex
	state   State
	running bool
	// epoch increases on every Start, Stop and ClearAll.
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	// preLogin is the status to restore if a login is abandoned.
	preLogin portal.Status
	subs     map[int]chan State
	nextSub  int

	wg sync.WaitGroup
}

// New creates a stopped engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	logOpts := []activity.Option{activity.WithClock(opts.Now)}
	if deps.Sink != nil {
		logOpts = append(logOpts, activity.WithSink(deps.Sink))
	}

	e := &Engine{
		deps:     deps,
		opts:     opts,
		recorder: deps.Recorder,
		log:      activity.NewLog(opts.LogCapacity, logOpts...),
		gate:     scheduler.NewGate(),
		state:    initialState(),
		subs:     make(map[int]chan State),
		ctx:      context.Background(),
		cancel:   func() {},
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if len(opts.History) > 0 {
		e.log.Restore(opts.History)
		e.state.Log = e.log.Entries()
	}
	e.ticker = opts.NewTicker(e.tick)
	e.recorder.StatusChanged(e.state.Status)
	return e, nil
}

// Start persists settings, schedules the periodic probe and runs a first
// probe immediately. It is a no-op while running.
func (e *Engine) Start(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if err := e.deps.Settings.Set(s); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	if err := e.ticker.Start(s.ProbeInterval()); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to start probe timer: %w", err)
	}
	e.interval = s.ProbeInterval()

	e.epoch++
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	e.state.Running = true
	e.state.HasCredentials = e.deps.Credentials.Has()
	e.publishLocked()
	e.mu.Unlock()

	slog.Info("Engine started",
		"interval_minutes", s.ProbeIntervalMinutes,
		"probe_url", s.ProbeURL,
		"auto_login", s.AutoLoginEnabled)

	_ = e.startProbe(TriggerStartup)
	return nil
}

// Stop cancels the timer and abandons in-flight work. Results that arrive
// afterwards are discarded. The status and log are kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.ticker.Stop()
	e.cancel()
	e.gate.Reset()
	e.epoch++
	e.running = false

	if e.state.Status.IsTransient() {
		e.setStatusLocked(e.preLogin)
	}
	e.state.Running = false
	e.state.IsProbing = false
	e.state.IsLoggingIn = false
	e.publishLocked()

	slog.Info("Engine stopped")
}

// Wait blocks until every probe and login goroutine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RequestProbeNow starts a probe. It returns ErrNotRunning or ErrBusy,
// decided atomically with the start, and a rejected request changes nothing.
func (e *Engine) RequestProbeNow() error {
	return e.startProbe(TriggerManual)
}

// RequestLoginNow starts a login without waiting for detection. It still
// respects mutual exclusion with probes and other logins.
func (e *Engine) RequestLoginNow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrNotRunning
	}
	ticket, ok := e.gate.TryEnter(scheduler.PhaseLoggingIn)
	if !ok {
		e.recorder.RequestRejected("login")
		slog.Debug("Login request rejected, engine busy", "phase", e.gate.Phase())
		return ErrBusy
	}

	portalURL := e.state.PortalURL
	e.enterLoginLocked()
	e.publishLocked()

	epoch, ctx := e.epoch, e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.recoverCycle(epoch, ticket)
		e.runLogin(ctx, epoch, ticket, portalURL)
	}()

	slog.Info("Manual login requested", "portal", displayHost(portalURL))
	return nil
}

// UpdateSettings validates and persists s. The next cycle uses the new
// values; a cycle already running keeps its snapshot.
func (e *Engine) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.deps.Settings.Set(s); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	// compared against the ticker, not the store: a reloaded settings file
	// has already replaced the stored value
	if e.running && e.interval != s.ProbeInterval() {
		if err := e.ticker.Reschedule(s.ProbeInterval()); err != nil {
			return fmt.Errorf("failed to reschedule probe timer: %w", err)
		}
		e.interval = s.ProbeInterval()
	}

	slog.Info("Settings updated",
		"interval_minutes", s.ProbeIntervalMinutes,
		"auto_login", s.AutoLoginEnabled)
	return nil
}

// UpdateCredentials validates and stores new portal credentials.
func (e *Engine) UpdateCredentials(username, password string) error {
	creds := login.Credentials{Username: username, Password: password}
	if err := e.opts.CredentialPolicy.Validate(creds); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if err := e.deps.Credentials.Set(username, password); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.HasCredentials = true
	e.log.Append(activity.KindInfo, "Credentials saved")
	e.publishLocked()

	slog.Info("Credentials updated", "creds", creds)
	return nil
}

// ClearAll removes credentials, restores default settings, clears the
// activity history and resets the state. In-flight results are discarded.
func (e *Engine) ClearAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gate.Reset()
	e.epoch++
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	var errs []error
	if err := e.deps.Credentials.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clear credentials: %w", err))
	}
	defaults, err := e.deps.Settings.Reset()
	if err != nil {
		errs = append(errs, fmt.Errorf("reset settings: %w", err))
	}
	if err := e.log.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("clear history: %w", err))
	}
	if e.running && defaults.ProbeIntervalMinutes > 0 {
		if err := e.ticker.Reschedule(defaults.ProbeInterval()); err != nil {
			errs = append(errs, fmt.Errorf("reschedule probe timer: %w", err))
		} else {
			e.interval = defaults.ProbeInterval()
		}
	}

	version := e.state.Version
	e.state = initialState()
	e.state.Version = version
	e.state.Running = e.running
	e.preLogin = portal.StatusDisconnected
	e.recorder.StatusChanged(e.state.Status)
	e.publishLocked()

	slog.Info("All data cleared")
	return errors.Join(errs...)
}

// CurrentState returns the latest published snapshot.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Settings returns the stored settings.
func (e *Engine) Settings() config.Settings {
	return e.deps.Settings.Get()
}

// NextProbe returns the next scheduled probe time, zero when stopped.
func (e *Engine) NextProbe() time.Time {
	return e.ticker.Next()
}

// Subscribe returns a channel that receives the current snapshot followed
// by every later one. A slow subscriber loses its oldest pending snapshot,
// never the newest. The returned function unsubscribes and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan State, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan State, buffer)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.state.clone()
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

// tick is the timer callback.
func (e *Engine) tick() {
	_ = e.startProbe(TriggerScheduled)
}

func (e *Engine) startProbe(trigger Trigger) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrNotRunning
	}
	ticket, ok := e.gate.TryEnter(scheduler.PhaseProbing)
	if !ok {
		e.recorder.RequestRejected("probe")
		slog.Debug("Probe request rejected, engine busy", "trigger", trigger, "phase", e.gate.Phase())
		return ErrBusy
	}

	settings := e.deps.Settings.Get()
	e.state.IsProbing = true
	e.publishLocked()

	epoch, ctx := e.epoch, e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.recoverCycle(epoch, ticket)
		e.runCycle(ctx, epoch, ticket, settings, trigger)
	}()
	return nil
}

// publishLocked stamps a new version and delivers the snapshot to every
// subscriber without blocking.
func (e *Engine) publishLocked() {
	e.state.Version++
	e.state.Log = e.log.Entries()
	for _, ch := range e.subs {
		deliver(ch, e.state.clone())
	}
}

func deliver(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	// drop the oldest pending snapshot, then retry once
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
		slog.Debug("State update dropped, subscriber slow", "version", s.Version)
	}
}

func (e *Engine) setStatusLocked(s portal.Status) {
	if e.state.Status == s {
		return
	}
	slog.Info("Status changed", "from", e.state.Status, "to", s)
	e.state.Status = s
	e.recorder.StatusChanged(s)
}

func (e *Engine) currentLocked(epoch uint64, t scheduler.Ticket) bool {
	return epoch == e.epoch && e.gate.Valid(t)
}
