// Package protocol defines the messages exchanged between the abeslink CLI
// and the daemon.
//
// The protocol uses newline-delimited JSON (NDJSON) format over a UNIX socket.
// Each message is a single JSON object terminated by a newline character.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform.
type Command string

const (
	CommandStatus         Command = "status"
	CommandProbe          Command = "probe"
	CommandLogin          Command = "login"
	CommandGetSettings    Command = "get_settings"
	CommandUpdateSettings Command = "update_settings"
	CommandSetCredentials Command = "set_credentials"
	CommandClearAll       Command = "clear_all"
	CommandStart          Command = "start"
	CommandStop           Command = "stop"
)

// EventName identifies the type of event.
type EventName string

// EventState carries a full engine.State after every publish.
const EventState EventName = "state"

// Request represents a command sent from client to server.
type Request struct {
	// ID is a unique identifier for correlating responses.
	ID string `json:"id"`
	// Type is always "request".
	Type MessageType `json:"type"`
	// Command is the operation to perform.
	Command Command `json:"command"`
	// Params contains command-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a reply from server to client.
type Response struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event represents an asynchronous notification from server to clients.
type Event struct {
	Type MessageType     `json:"type"`
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// StatusResult is returned by the status command.
type StatusResult struct {
	State     engine.State    `json:"state"`
	Settings  config.Settings `json:"settings"`
	NextProbe *time.Time      `json:"next_probe,omitempty"`
}

// AcceptedResult is returned by probe and login.
type AcceptedResult struct {
	Accepted bool `json:"accepted"`
}

// SetCredentialsParams contains parameters for set_credentials.
type SetCredentialsParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateSettingsParams contains parameters for update_settings and start.
// Absent fields keep their current value.
type UpdateSettingsParams struct {
	ProbeIntervalMinutes     *int    `json:"probe_interval_minutes,omitempty"`
	ProbeURL                 *string `json:"probe_url,omitempty"`
	AutoLoginEnabled         *bool   `json:"auto_login_enabled,omitempty"`
	ForegroundServiceEnabled *bool   `json:"foreground_service_enabled,omitempty"`
}

// Apply overlays the set fields onto s.
func (p UpdateSettingsParams) Apply(s config.Settings) config.Settings {
	if p.ProbeIntervalMinutes != nil {
		s.ProbeIntervalMinutes = *p.ProbeIntervalMinutes
	}
	if p.ProbeURL != nil {
		s.ProbeURL = *p.ProbeURL
	}
	if p.AutoLoginEnabled != nil {
		s.AutoLoginEnabled = *p.AutoLoginEnabled
	}
	if p.ForegroundServiceEnabled != nil {
		s.ForegroundServiceEnabled = *p.ForegroundServiceEnabled
	}
	return s
}

// NewRequest creates a new request with the given command and parameters.
// A nil params leaves Params empty.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code string, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
