package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/probe"
	"github.com/gdg-abesec/abeslink/internal/scheduler"
)

// runCycle probes, applies the verdict and hands over to the login when a
// portal is detected and auto-login is on.
func (e *Engine) runCycle(ctx context.Context, epoch uint64, ticket scheduler.Ticket, settings config.Settings, trigger Trigger) {
	result := e.deps.Prober.Probe(ctx, settings.ProbeURL, e.opts.ProbeTimeout)
	verdict := portal.Detect(result)

	slog.Debug("Probe completed",
		"trigger", trigger,
		"status", verdict.Status,
		"http_status", result.HTTPStatus,
		"failure", result.Failure,
		"latency_ms", result.Latency.Milliseconds(),
		"reason", verdict.Reason)

	if !e.applyProbe(epoch, ticket, settings, result, verdict) {
		return
	}
	e.runLogin(ctx, epoch, ticket, verdict.PortalURL)
}

// applyProbe records a probe result and reports whether the cycle moved on
// to a login. The lock is released on every path, panics included.
func (e *Engine) applyProbe(epoch uint64, ticket scheduler.Ticket, settings config.Settings, result probe.Result, verdict portal.Verdict) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.currentLocked(epoch, ticket) {
		slog.Debug("Discarding stale probe result", "epoch", epoch)
		return false
	}
	e.recorder.ProbeCompleted(verdict.Status, result.Failure, result.Latency)

	now := e.opts.Now()
	e.state.LastProbe = &now
	e.state.LatencyMs = result.Latency.Milliseconds()
	if verdict.Status == portal.StatusCaptivePortal {
		e.state.PortalURL = verdict.PortalURL
	}
	kind, msg := probeEntry(verdict, result, settings.AutoLoginEnabled, e.opts.HighLatency)
	e.log.Append(kind, msg)
	e.setStatusLocked(verdict.Status)

	if !verdict.Status.NeedsLogin() || !settings.AutoLoginEnabled {
		e.finishLocked(ticket)
		return false
	}

	// observers see the detection before the login starts
	e.publishLocked()
	if !e.gate.Advance(ticket, scheduler.PhaseLoggingIn) {
		e.finishLocked(ticket)
		return false
	}
	e.state.IsProbing = false
	e.enterLoginLocked()
	e.publishLocked()
	return true
}

// runLogin fetches credentials just-in-time and runs the login executor.
func (e *Engine) runLogin(ctx context.Context, epoch uint64, ticket scheduler.Ticket, portalURL string) {
	creds, err := e.deps.Credentials.Get()
	if err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.currentLocked(epoch, ticket) {
			return
		}
		if errors.Is(err, login.ErrNoCredentials) {
			e.state.HasCredentials = false
			e.log.Append(activity.KindWarning, "No credentials stored - login skipped")
		} else {
			slog.Error("Failed to read credentials", "error", err)
			e.log.Append(activity.KindError, "Credential store unavailable - login skipped")
		}
		e.setStatusLocked(e.preLogin)
		e.finishLocked(ticket)
		return
	}

	lctx, cancel := context.WithTimeout(ctx, e.opts.LoginBudget)
	defer cancel()
	res := e.deps.Login.AttemptLogin(lctx, portalURL, creds, e.opts.MaxAttempts, e.opts.Backoff)
	creds = login.Credentials{}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(epoch, ticket) {
		slog.Debug("Discarding stale login result", "epoch", epoch, "outcome", res.Outcome)
		return
	}
	e.recorder.LoginCompleted(res.Outcome, res.Attempts, res.Latency)

	if res.Err != nil {
		slog.Warn("Login failed", "outcome", res.Outcome, "attempts", res.Attempts, "error", res.Err)
	}
	kind, msg := loginEntry(res)
	e.log.Append(kind, msg)
	e.state.LastAttempt = &Attempt{Time: e.opts.Now(), Outcome: res.Outcome, Attempts: res.Attempts}
	e.setStatusLocked(statusAfterLogin(res.Outcome))
	e.finishLocked(ticket)
}

// recoverCycle converts a panic anywhere in a probe or login goroutine
// into an error entry and returns the gate to idle.
func (e *Engine) recoverCycle(epoch uint64, ticket scheduler.Ticket) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("Recovered panic in engine cycle", "panic", r, "stack", string(debug.Stack()))

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(epoch, ticket) {
		return
	}
	if e.state.IsLoggingIn {
		e.state.LastAttempt = &Attempt{Time: e.opts.Now(), Outcome: OutcomeInternalError}
	}
	e.log.Append(activity.KindError, fmt.Sprintf("Internal error - %v", r))
	e.setStatusLocked(portal.StatusFailed)
	e.finishLocked(ticket)
}

func (e *Engine) enterLoginLocked() {
	e.preLogin = e.state.Status
	if e.preLogin.IsTransient() {
		e.preLogin = portal.StatusCaptivePortal
	}
	e.state.IsLoggingIn = true
	e.setStatusLocked(portal.StatusConnecting)
}

func (e *Engine) finishLocked(ticket scheduler.Ticket) {
	e.state.IsProbing = false
	e.state.IsLoggingIn = false
	e.gate.Release(ticket)
	e.publishLocked()
}
