// Package engine coordinates probing, portal detection and auto-login and
// owns the single state object observers see.
package engine

import (
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
)

// OutcomeInternalError marks a login run aborted by an unexpected failure.
const OutcomeInternalError login.Outcome = "internal_error"

// Attempt describes the most recent login run.
type Attempt struct {
	Time     time.Time     `json:"time"`
	Outcome  login.Outcome `json:"outcome"`
	Attempts int           `json:"attempts"`
}

// State is an immutable snapshot of the engine. Every publish carries a
// larger Version than the one before.
type State struct {
	Status         portal.Status    `json:"status"`
	PortalURL      string           `json:"portal_url,omitempty"`
	LastProbe      *time.Time       `json:"last_probe,omitempty"`
	LatencyMs      int64            `json:"latency_ms"`
	LastAttempt    *Attempt         `json:"last_attempt,omitempty"`
	IsProbing      bool             `json:"is_probing"`
	IsLoggingIn    bool             `json:"is_logging_in"`
	Running        bool             `json:"running"`
	HasCredentials bool             `json:"has_credentials"`
	Log            []activity.Entry `json:"log"`
	Version        uint64           `json:"version"`
}

// Busy reports whether a probe or login is in flight.
func (s State) Busy() bool {
	return s.IsProbing || s.IsLoggingIn
}

// clone returns a deep copy so snapshots never share mutable memory.
func (s State) clone() State {
	out := s
	if s.LastProbe != nil {
		t := *s.LastProbe
		out.LastProbe = &t
	}
	if s.LastAttempt != nil {
		a := *s.LastAttempt
		out.LastAttempt = &a
	}
	out.Log = make([]activity.Entry, len(s.Log))
	copy(out.Log, s.Log)
	return out
}

func initialState() State {
	return State{
		Status: portal.StatusDisconnected,
		Log:    []activity.Entry{},
	}
}
