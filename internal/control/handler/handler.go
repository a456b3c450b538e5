// Package handler translates control protocol requests into engine calls
// and streams engine state to connected clients.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

// Controller is the part of *engine.Engine the handler drives.
type Controller interface {
	Start(config.Settings) error
	Stop()
	RequestProbeNow() error
	RequestLoginNow() error
	UpdateSettings(config.Settings) error
	UpdateCredentials(username, password string) error
	ClearAll() error
	CurrentState() engine.State
	Settings() config.Settings
	NextProbe() time.Time
	Subscribe(buffer int) (<-chan engine.State, func())
}

var _ Controller = (*engine.Engine)(nil)

// EventBroadcaster sends an event to every connected client.
type EventBroadcaster func(event *protocol.Event)

// Handler serves control requests.
type Handler struct {
	ctrl Controller
}

// New creates a Handler for ctrl.
func New(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// HandleRequest processes a request and returns a response.
func (h *Handler) HandleRequest(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandStatus:
		return h.handleStatus(req)
	case protocol.CommandProbe:
		return h.handleAccepted(req, "probe", h.ctrl.RequestProbeNow)
	case protocol.CommandLogin:
		return h.handleAccepted(req, "login", h.ctrl.RequestLoginNow)
	case protocol.CommandGetSettings:
		return success(req.ID, h.ctrl.Settings())
	case protocol.CommandUpdateSettings:
		return h.handleUpdateSettings(req)
	case protocol.CommandSetCredentials:
		return h.handleSetCredentials(req)
	case protocol.CommandClearAll:
		return h.handleClearAll(req)
	case protocol.CommandStart:
		return h.handleStart(req)
	case protocol.CommandStop:
		h.ctrl.Stop()
		return success(req.ID, h.ctrl.CurrentState())
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (h *Handler) handleStatus(req *protocol.Request) *protocol.Response {
	result := protocol.StatusResult{
		State:    h.ctrl.CurrentState(),
		Settings: h.ctrl.Settings(),
	}
	if next := h.ctrl.NextProbe(); !next.IsZero() {
		result.NextProbe = &next
	}
	return success(req.ID, result)
}

func (h *Handler) handleAccepted(req *protocol.Request, op string, request func() error) *protocol.Response {
	switch err := request(); {
	case err == nil:
		return success(req.ID, protocol.AcceptedResult{Accepted: true})
	case errors.Is(err, engine.ErrNotRunning):
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotRunning, "engine is not running")
	case errors.Is(err, engine.ErrBusy):
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBusy,
			fmt.Sprintf("%s rejected, a probe or login is already in progress", op))
	default:
		slog.Error("Request failed", "op", op, "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
}

func (h *Handler) handleUpdateSettings(req *protocol.Request) *protocol.Response {
	s, resp := h.settingsFromParams(req)
	if resp != nil {
		return resp
	}
	if err := h.ctrl.UpdateSettings(s); err != nil {
		return settingsError(req.ID, err)
	}
	return success(req.ID, h.ctrl.Settings())
}

func (h *Handler) handleStart(req *protocol.Request) *protocol.Response {
	s, resp := h.settingsFromParams(req)
	if resp != nil {
		return resp
	}
	if err := h.ctrl.Start(s); err != nil {
		return settingsError(req.ID, err)
	}
	return success(req.ID, h.ctrl.CurrentState())
}

func (h *Handler) settingsFromParams(req *protocol.Request) (config.Settings, *protocol.Response) {
	var params protocol.UpdateSettingsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return config.Settings{}, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
				"invalid settings params")
		}
	}
	return params.Apply(h.ctrl.Settings()), nil
}

func settingsError(id string, err error) *protocol.Response {
	if errors.Is(err, config.ErrInvalidInterval) || errors.Is(err, config.ErrInvalidProbeURL) {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInvalidParams, err.Error())
	}
	slog.Error("Failed to apply settings", "error", err)
	return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error())
}

func (h *Handler) handleSetCredentials(req *protocol.Request) *protocol.Response {
	var params protocol.SetCredentialsParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
			"invalid credentials params")
	}
	if err := h.ctrl.UpdateCredentials(params.Username, params.Password); err != nil {
		if errors.Is(err, engine.ErrInvalidCredentials) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, err.Error())
		}
		slog.Error("Failed to store credentials", "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, "failed to store credentials")
	}
	return success(req.ID, nil)
}

func (h *Handler) handleClearAll(req *protocol.Request) *protocol.Response {
	if err := h.ctrl.ClearAll(); err != nil {
		slog.Error("Clear all finished with errors", "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
	return success(req.ID, nil)
}

// Stream broadcasts every published state as a "state" event until ctx ends.
func (h *Handler) Stream(ctx context.Context, broadcast EventBroadcaster) {
	updates, unsubscribe := h.ctrl.Subscribe(0)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			event, err := protocol.NewEvent(protocol.EventState, st)
			if err != nil {
				slog.Error("Failed to encode state event", "error", err)
				continue
			}
			broadcast(event)
		}
	}
}

func success(id string, result any) *protocol.Response {
	resp, err := protocol.NewSuccessResponse(id, result)
	if err != nil {
		slog.Error("Failed to encode response", "id", id, "error", err)
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, "failed to encode response")
	}
	return resp
}
