// Package portal decides what a probe result says about the network.
package portal

// Status represents the current connectivity state of the campus network.
type Status string

const (
	// StatusDisconnected indicates no usable network (offline or ambiguous).
	StatusDisconnected Status = "disconnected"
	// StatusConnecting indicates a login attempt is in progress.
	StatusConnecting Status = "connecting"
	// StatusCaptivePortal indicates traffic is intercepted by a login portal.
	StatusCaptivePortal Status = "captive_portal"
	// StatusConnected indicates direct internet access.
	StatusConnected Status = "connected"
	// StatusFailed indicates the last probe or login failed outright.
	StatusFailed Status = "failed"
)

// IsConnected returns true if the status represents direct internet access.
func (s Status) IsConnected() bool {
	return s == StatusConnected
}

// IsTransient returns true if the status represents an in-progress operation.
func (s Status) IsTransient() bool {
	return s == StatusConnecting
}

// NeedsLogin returns true if an automatic login may be started from this status.
func (s Status) NeedsLogin() bool {
	return s == StatusCaptivePortal
}

// Label returns a short human-readable name for display.
func (s Status) Label() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusCaptivePortal:
		return "Captive portal"
	case StatusConnected:
		return "Connected"
	case StatusFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// AllStatuses returns all possible statuses.
func AllStatuses() []Status {
	return []Status{
		StatusDisconnected,
		StatusConnecting,
		StatusCaptivePortal,
		StatusConnected,
		StatusFailed,
	}
}
