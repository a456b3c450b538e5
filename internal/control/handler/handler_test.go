package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
)

type fakeController struct {
	mu       sync.Mutex
	state    engine.State
	settings config.Settings
	next     time.Time
	probeErr error
	loginErr error
	startErr error
	credsErr error
	clearErr error
	creds    []string
	cleared  int
	stopped  int
	updates  chan engine.State
	unsubbed bool
}

func newFakeController() *fakeController {
	return &fakeController{
		state:    engine.State{Status: portal.StatusConnected, Running: true, Version: 3},
		settings: config.DefaultSettings(),
		updates:  make(chan engine.State, 4),
	}
}

func (f *fakeController) Start(s config.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := s.Validate(); err != nil {
		return err
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.settings = s
	f.state.Running = true
	return nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.state.Running = false
}

func (f *fakeController) RequestProbeNow() error { return f.probeErr }
func (f *fakeController) RequestLoginNow() error { return f.loginErr }

func (f *fakeController) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *fakeController) UpdateCredentials(u, p string) error {
	if err := login.DefaultPolicy().Validate(login.Credentials{Username: u, Password: p}); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrInvalidCredentials, err)
	}
	if f.credsErr != nil {
		return f.credsErr
	}
	f.creds = append(f.creds, u)
	return nil
}

func (f *fakeController) ClearAll() error {
	f.cleared++
	return f.clearErr
}

func (f *fakeController) CurrentState() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Settings() config.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeController) NextProbe() time.Time { return f.next }

func (f *fakeController) Subscribe(int) (<-chan engine.State, func()) {
	return f.updates, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubbed = true
	}
}

func request(t *testing.T, cmd protocol.Command, params any) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest("req-1", cmd, params)
	require.NoError(t, err)
	return req
}

func requireError(t *testing.T, resp *protocol.Response, code string) {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, code, resp.Error.Code)
	assert.Equal(t, "req-1", resp.ID)
}

func TestHandleRequest_Status(t *testing.T) {
	ctrl := newFakeController()
	ctrl.next = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	h := New(ctrl)

	resp := h.HandleRequest(request(t, protocol.CommandStatus, nil))
	require.True(t, resp.Success)

	var result protocol.StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, portal.StatusConnected, result.State.Status)
	assert.EqualValues(t, 3, result.State.Version)
	assert.Equal(t, config.DefaultSettings(), result.Settings)
	require.NotNil(t, result.NextProbe)
	assert.True(t, ctrl.next.Equal(*result.NextProbe))
}

func TestHandleRequest_StatusStopped(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	resp := h.HandleRequest(request(t, protocol.CommandStatus, nil))
	var result protocol.StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Nil(t, result.NextProbe)
}

func TestHandleRequest_ProbeAndLogin(t *testing.T) {
	tests := []struct {
		name string
		cmd  protocol.Command
		err  error
		code string
	}{
		{"probe accepted", protocol.CommandProbe, nil, ""},
		{"probe busy", protocol.CommandProbe, engine.ErrBusy, protocol.ErrCodeBusy},
		{"probe stopped", protocol.CommandProbe, engine.ErrNotRunning, protocol.ErrCodeNotRunning},
		{"probe failed", protocol.CommandProbe, errors.New("boom"), protocol.ErrCodeInternalError},
		{"login accepted", protocol.CommandLogin, nil, ""},
		{"login busy", protocol.CommandLogin, engine.ErrBusy, protocol.ErrCodeBusy},
		{"login stopped", protocol.CommandLogin, engine.ErrNotRunning, protocol.ErrCodeNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			// the snapshot still says running; only the request result decides
			ctrl.probeErr, ctrl.loginErr = tt.err, tt.err

			resp := New(ctrl).HandleRequest(request(t, tt.cmd, nil))
			if tt.code != "" {
				requireError(t, resp, tt.code)
				return
			}
			require.True(t, resp.Success)
			assert.JSONEq(t, `{"accepted":true}`, string(resp.Result))
		})
	}
}

func TestHandleRequest_GetSettings(t *testing.T) {
	h := New(newFakeController())

	resp := h.HandleRequest(request(t, protocol.CommandGetSettings, nil))
	require.True(t, resp.Success)

	var s config.Settings
	require.NoError(t, json.Unmarshal(resp.Result, &s))
	assert.Equal(t, config.DefaultSettings(), s)
}

func TestHandleRequest_UpdateSettings(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	interval := 60
	resp := h.HandleRequest(request(t, protocol.CommandUpdateSettings, protocol.UpdateSettingsParams{
		ProbeIntervalMinutes: &interval,
	}))
	require.True(t, resp.Success)
	assert.Equal(t, 60, ctrl.Settings().ProbeIntervalMinutes)
	assert.Equal(t, config.DefaultSettings().ProbeURL, ctrl.Settings().ProbeURL)

	bad := 5
	resp = h.HandleRequest(request(t, protocol.CommandUpdateSettings, protocol.UpdateSettingsParams{
		ProbeIntervalMinutes: &bad,
	}))
	requireError(t, resp, protocol.ErrCodeInvalidParams)
	assert.Contains(t, resp.Error.Message, "15, 30 or 60")
	assert.Equal(t, 60, ctrl.Settings().ProbeIntervalMinutes)
}

func TestHandleRequest_UpdateSettingsMalformed(t *testing.T) {
	h := New(newFakeController())

	req := &protocol.Request{ID: "req-1", Command: protocol.CommandUpdateSettings, Params: json.RawMessage(`{"probe_interval_minutes":"soon"}`)}
	requireError(t, h.HandleRequest(req), protocol.ErrCodeInvalidParams)
}

func TestHandleRequest_SetCredentials(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	resp := h.HandleRequest(request(t, protocol.CommandSetCredentials, protocol.SetCredentialsParams{
		Username: "student12345", Password: "hunter22",
	}))
	require.True(t, resp.Success)
	assert.Equal(t, []string{"student12345"}, ctrl.creds)

	resp = h.HandleRequest(request(t, protocol.CommandSetCredentials, protocol.SetCredentialsParams{
		Username: "short", Password: "hunter22",
	}))
	requireError(t, resp, protocol.ErrCodeInvalidParams)
	assert.NotContains(t, resp.Error.Message, "hunter22")

	ctrl.credsErr = errors.New("keyring locked")
	resp = h.HandleRequest(request(t, protocol.CommandSetCredentials, protocol.SetCredentialsParams{
		Username: "student12345", Password: "hunter22",
	}))
	requireError(t, resp, protocol.ErrCodeInternalError)

	resp = h.HandleRequest(&protocol.Request{ID: "req-1", Command: protocol.CommandSetCredentials})
	requireError(t, resp, protocol.ErrCodeInvalidParams)
}

func TestHandleRequest_ClearAll(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	require.True(t, h.HandleRequest(request(t, protocol.CommandClearAll, nil)).Success)
	assert.Equal(t, 1, ctrl.cleared)

	ctrl.clearErr = errors.New("clear credentials: keyring locked")
	requireError(t, h.HandleRequest(request(t, protocol.CommandClearAll, nil)), protocol.ErrCodeInternalError)
}

func TestHandleRequest_StartStop(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	resp := h.HandleRequest(request(t, protocol.CommandStop, nil))
	require.True(t, resp.Success)
	assert.Equal(t, 1, ctrl.stopped)
	assert.False(t, ctrl.CurrentState().Running)

	auto := true
	resp = h.HandleRequest(request(t, protocol.CommandStart, protocol.UpdateSettingsParams{AutoLoginEnabled: &auto}))
	require.True(t, resp.Success)
	assert.True(t, ctrl.CurrentState().Running)
	assert.True(t, ctrl.Settings().AutoLoginEnabled)

	ctrl.startErr = errors.New("failed to persist settings: disk full")
	requireError(t, h.HandleRequest(request(t, protocol.CommandStart, nil)), protocol.ErrCodeInternalError)
}

func TestHandleRequest_UnknownCommand(t *testing.T) {
	h := New(newFakeController())

	resp := h.HandleRequest(request(t, "reboot", nil))
	requireError(t, resp, protocol.ErrCodeInvalidCommand)
	assert.Contains(t, resp.Error.Message, "reboot")
}

func TestStream(t *testing.T) {
	ctrl := newFakeController()
	h := New(ctrl)

	var mu sync.Mutex
	var events []*protocol.Event
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Stream(ctx, func(e *protocol.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		})
		close(done)
	}()

	ctrl.updates <- engine.State{Status: portal.StatusCaptivePortal, Version: 4}
	ctrl.updates <- engine.State{Status: portal.StatusConnecting, Version: 5}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.EventState, events[1].Name)
	var st engine.State
	require.NoError(t, json.Unmarshal(events[1].Data, &st))
	assert.Equal(t, portal.StatusConnecting, st.Status)
	assert.True(t, ctrl.unsubbed)
}

func TestStream_ClosedChannel(t *testing.T) {
	ctrl := newFakeController()
	close(ctrl.updates)

	// returns without a context cancel
	New(ctrl).Stream(context.Background(), func(*protocol.Event) {})
}
