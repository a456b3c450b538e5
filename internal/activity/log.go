// Package activity keeps the bounded, newest-first log of engine events.
package activity

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept in memory.
const DefaultCapacity = 50

// Kind classifies a log entry for display.
type Kind string

const (
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Label returns the display label of the kind.
func (k Kind) Label() string {
	switch k {
	case KindSuccess:
		return "OK"
	case KindWarning:
		return "WARN"
	case KindError:
		return "ERROR"
	case KindInfo:
		return "INFO"
	default:
		return string(k)
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSuccess, KindWarning, KindError, KindInfo:
		return true
	}
	return false
}

// Entry is one activity record.
type Entry struct {
	ID      uint64    `json:"id"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
}

// Sink persists entries outside the in-memory log.
type Sink interface {
	Record(Entry) error
	Clear() error
}

// Log is a capacity-bounded activity log. Entries are stored oldest-first
// and served newest-first. IDs increase monotonically and are never reused,
// even across Reset.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	nextID   uint64
	sink     Sink
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithSink attaches a persistence sink.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates a log holding at most capacity entries.
// If capacity is not positive, DefaultCapacity is used.
func NewLog(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		nextID:   1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a new entry and evicts the oldest one when full.
func (l *Log) Append(kind Kind, message string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:      l.nextID,
		Time:    l.now(),
		Message: message,
		Kind:    kind,
	}
	l.nextID++

	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)

	if l.sink != nil {
		if err := l.sink.Record(e); err != nil {
			slog.Warn("Failed to persist activity entry", "id", e.ID, "error", err)
		}
	}
	return e
}

// Entries returns a newest-first copy of all entries.
func (l *Log) Entries() []Entry {
	return l.Latest(-1)
}

// Latest returns up to n newest entries, newest first. A negative n returns all.
func (l *Log) Latest(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n < 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the number of entries held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cap returns the capacity.
func (l *Log) Cap() int {
	return l.capacity
}

// Reset drops every entry and clears the sink. IDs keep increasing.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = l.entries[:0]
	if l.sink != nil {
		return l.sink.Clear()
	}
	return nil
}

// Restore replaces the log content with entries given newest-first, as the
// history store returns them. The sink is not written.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(entries) > l.capacity {
		entries = entries[:l.capacity]
	}
	l.entries = l.entries[:0]
	for i := len(entries) - 1; i >= 0; i-- {
		l.entries = append(l.entries, entries[i])
		if entries[i].ID >= l.nextID {
			l.nextID = entries[i].ID + 1
		}
	}
}
