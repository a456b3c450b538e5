package engine

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/probe"
)

// probeEntry describes a probe verdict as an activity entry.
func probeEntry(v portal.Verdict, r probe.Result, autoLogin bool, highLatency time.Duration) (activity.Kind, string) {
	switch v.Status {
	case portal.StatusConnected:
		if r.Latency > highLatency {
			return activity.KindWarning, "High latency detected - " + activity.FormatLatency(r.Latency)
		}
		return activity.KindSuccess, "Connected - latency " + activity.FormatLatency(r.Latency)

	case portal.StatusCaptivePortal:
		msg := "Captive portal detected at " + displayHost(v.PortalURL)
		if !autoLogin {
			msg += " - manual login required"
		}
		return activity.KindInfo, msg

	case portal.StatusFailed:
		return activity.KindError, "Probe failed - " + r.Detail

	default:
		if v.Ambiguous {
			return activity.KindWarning, fmt.Sprintf("Unexpected probe response %d", r.HTTPStatus)
		}
		return activity.KindWarning, "Network offline - " + string(r.Failure)
	}
}

// loginEntry describes a finished login run as an activity entry.
func loginEntry(res login.Result) (activity.Kind, string) {
	switch res.Outcome {
	case login.OutcomeSuccess:
		if res.Attempts > 1 {
			return activity.KindSuccess, fmt.Sprintf("Login successful after %d attempts", res.Attempts)
		}
		return activity.KindSuccess, "Login successful"
	case login.OutcomeInvalidCredentials:
		return activity.KindError, "Login failed - Invalid credentials"
	case login.OutcomeNetworkError:
		return activity.KindError, fmt.Sprintf("Login failed - network error after %d attempts", res.Attempts)
	case login.OutcomePortalUnreachable:
		return activity.KindError, "Login failed - portal unreachable"
	default:
		return activity.KindError, "Login failed - " + string(res.Outcome)
	}
}

// statusAfterLogin maps a login outcome onto the connection status.
func statusAfterLogin(o login.Outcome) portal.Status {
	if o == login.OutcomeSuccess {
		return portal.StatusConnected
	}
	return portal.StatusFailed
}

func displayHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if raw == "" {
			return "unknown host"
		}
		return raw
	}
	return u.Host
}
