package scheduler

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// MaxStartupSpread bounds the random delay added to the first tick.
	MaxStartupSpread = 30 * time.Second
	// MinInterval is the shortest interval cron.Every supports.
	MinInterval = time.Second
)

// ErrInvalidInterval is returned for intervals below MinInterval.
var ErrInvalidInterval = errors.New("interval must be at least one second")

// spreadSchedule overrides the first fire time of a base schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// Timer fires a job at a fixed interval on top of robfig/cron.
// Overlapping runs are skipped and panics in the job are recovered.
type Timer struct {
	mu       sync.Mutex
	job      func()
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	spread   time.Duration
	logger   cron.Logger
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithStartupSpread sets the maximum random delay added to the first tick
// after Start. Zero disables the spread.
func WithStartupSpread(d time.Duration) TimerOption {
	return func(t *Timer) { t.spread = d }
}

// NewTimer creates a stopped timer that calls job on every tick.
func NewTimer(job func(), opts ...TimerOption) *Timer {
	t := &Timer{
		job:    job,
		spread: MaxStartupSpread,
		logger: cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start schedules the job every interval. A running timer is restarted.
func (t *Timer) Start(interval time.Duration) error {
	if interval < MinInterval {
		return ErrInvalidInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.cron = cron.New(
		cron.WithLogger(t.logger),
		cron.WithChain(cron.SkipIfStillRunning(t.logger), cron.Recover(t.logger)),
	)
	t.interval = interval
	t.entry = t.cron.Schedule(t.schedule(interval, t.spreadFor(interval)), cron.FuncJob(t.job))
	t.cron.Start()

	slog.Debug("Probe timer started", "interval", interval)
	return nil
}

// Reschedule changes the interval of a running timer without the startup
// spread. It is a no-op on a stopped timer apart from remembering the interval.
func (t *Timer) Reschedule(interval time.Duration) error {
	if interval < MinInterval {
		return ErrInvalidInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.interval = interval
	if t.cron == nil {
		return nil
	}
	t.cron.Remove(t.entry)
	t.entry = t.cron.Schedule(t.schedule(interval, 0), cron.FuncJob(t.job))

	slog.Debug("Probe timer rescheduled", "interval", interval)
	return nil
}

// Stop halts the timer. A job already running is not interrupted.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.cron == nil {
		return
	}
	t.cron.Stop()
	t.cron = nil
	t.entry = 0
}

// Running reports whether the timer is scheduled.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cron != nil
}

// Interval returns the last configured interval.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Next returns the next fire time, or the zero time when stopped.
func (t *Timer) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron == nil {
		return time.Time{}
	}
	return t.cron.Entry(t.entry).Next
}

func (t *Timer) spreadFor(interval time.Duration) time.Duration {
	limit := t.spread
	if limit > interval {
		limit = interval
	}
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

func (t *Timer) schedule(every, jitter time.Duration) cron.Schedule {
	base := cron.Every(every)
	if jitter <= 0 {
		return base
	}
	return &spreadSchedule{base: base, first: time.Now().Add(every + jitter)}
}
