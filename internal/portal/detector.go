package portal

import (
	"fmt"
	"net/http"

	"github.com/gdg-abesec/abeslink/internal/probe"
)

// Verdict is the detector's reading of a single probe result.
type Verdict struct {
	// Status is one of Connected, CaptivePortal, Disconnected or Failed.
	Status Status
	// Reason is a short human-readable explanation.
	Reason string
	// PortalURL is the best guess at the portal location when Status is CaptivePortal.
	PortalURL string
	// Ambiguous is true when the response matched no known shape.
	Ambiguous bool
}

// Detect classifies a probe result. It is a pure function: the same result
// always yields the same verdict.
//
// A redirect that leaves the probe host is the authoritative portal signal
// and is checked before any status-code rule.
func Detect(r probe.Result) Verdict {
	switch {
	case r.Failure == probe.FailureInternal:
		return Verdict{Status: StatusFailed, Reason: "probe failed: " + r.Detail}

	case r.Failure != probe.FailureNone:
		return Verdict{Status: StatusDisconnected, Reason: "network offline: " + string(r.Failure)}

	case r.CrossHostRedirect():
		return Verdict{
			Status:    StatusCaptivePortal,
			Reason:    "redirected to " + r.FinalHost(),
			PortalURL: portalURL(r),
		}

	case r.HTTPStatus == http.StatusNoContent:
		return Verdict{Status: StatusConnected, Reason: "probe answered 204"}

	case r.HTTPStatus >= 200 && r.HTTPStatus < 300 && r.BodyBytes == 0:
		return Verdict{Status: StatusConnected, Reason: fmt.Sprintf("probe answered %d with empty body", r.HTTPStatus)}

	case r.HTTPStatus >= 200 && r.HTTPStatus < 300:
		return Verdict{
			Status:    StatusCaptivePortal,
			Reason:    fmt.Sprintf("probe answered %d with a %d byte page", r.HTTPStatus, r.BodyBytes),
			PortalURL: portalURL(r),
		}

	default:
		return Verdict{
			Status:    StatusDisconnected,
			Reason:    fmt.Sprintf("unexpected probe response %d", r.HTTPStatus),
			Ambiguous: true,
		}
	}
}

// Classify returns only the status part of Detect.
func Classify(r probe.Result) Status {
	return Detect(r).Status
}

func portalURL(r probe.Result) string {
	switch {
	case r.PortalURL != "":
		return r.PortalURL
	case r.FinalURL != "":
		return r.FinalURL
	default:
		return r.URL
	}
}
