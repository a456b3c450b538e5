// Package httpapi serves the engine state, manual triggers and metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Engine is the part of *engine.Engine the API exposes.
type Engine interface {
	CurrentState() engine.State
	Settings() config.Settings
	NextProbe() time.Time
	RequestProbeNow() error
	RequestLoginNow() error
}

// API holds the HTTP handlers.
type API struct {
	engine  Engine
	metrics http.Handler
}

// New creates an API. metrics may be nil, in which case /metrics is not served.
func New(e Engine, metrics http.Handler) *API {
	return &API{engine: e, metrics: metrics}
}

// Handler builds the routing tree.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RecoverJSON)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(RequestLogger)

	r.Get("/healthz", a.health)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	r.Route("/api", func(api chi.Router) {
		api.Get("/state", a.state)
		api.Get("/settings", a.settings)
		api.Post("/probe", a.trigger("probe", a.engine.RequestProbeNow))
		api.Post("/login", a.trigger("login", a.engine.RequestLoginNow))
	})
	return r
}

type stateResponse struct {
	engine.State
	NextProbe *time.Time `json:"next_probe,omitempty"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	st := a.engine.CurrentState()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
		"state":   st.Status,
	})
}

func (a *API) state(w http.ResponseWriter, _ *http.Request) {
	resp := stateResponse{State: a.engine.CurrentState()}
	if next := a.engine.NextProbe(); !next.IsZero() {
		resp.NextProbe = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) settings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Settings())
}

func (a *API) trigger(op string, request func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		switch err := request(); {
		case err == nil:
			writeJSON(w, http.StatusAccepted, protocol.AcceptedResult{Accepted: true})
		case errors.Is(err, engine.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, protocol.ErrCodeNotRunning, "engine is not running")
		case errors.Is(err, engine.ErrBusy):
			writeError(w, http.StatusConflict, protocol.ErrCodeBusy, op+" rejected, a probe or login is already in progress")
		default:
			writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": protocol.ErrorInfo{Code: code, Message: message},
	})
}

// RunServer serves until ctx ends, then shuts down gracefully.
func RunServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("HTTP API listening", "addr", server.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
