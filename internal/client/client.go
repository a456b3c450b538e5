// Package client talks to the abeslink daemon over its control socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

// DefaultTimeout for RPC calls.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDaemonNotAvailable is returned when nothing listens on the socket.
	ErrDaemonNotAvailable = errors.New("abeslink daemon not available")
	// ErrClosed is returned by calls made after Close or after the daemon hung up.
	ErrClosed = errors.New("client closed")
)

// Client is a connection to the daemon. It is safe for concurrent use.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	mu      sync.RWMutex
	onState func(engine.State)

	// serializes NDJSON writes
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the daemon at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotAvailable, err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 64<<10),
		pending:   make(map[string]chan *protocol.Response),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// IsDaemonAvailableAt checks if the daemon accepts connections at socketPath.
func IsDaemonAvailableAt(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close closes the connection.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		closeErr = c.conn.Close()
	})
	<-c.done
	return closeErr
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// OnState registers a callback for state events. It runs on the read
// goroutine and must not block.
func (c *Client) OnState(callback func(engine.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = callback
}

// Status returns the daemon state, settings and next probe time.
func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var result protocol.StatusResult
	err := c.call(ctx, protocol.CommandStatus, nil, &result)
	return result, err
}

// Probe asks for an immediate probe.
func (c *Client) Probe(ctx context.Context) error {
	return c.call(ctx, protocol.CommandProbe, nil, nil)
}

// Login asks for an immediate login.
func (c *Client) Login(ctx context.Context) error {
	return c.call(ctx, protocol.CommandLogin, nil, nil)
}

// Settings returns the stored settings.
func (c *Client) Settings(ctx context.Context) (config.Settings, error) {
	var s config.Settings
	err := c.call(ctx, protocol.CommandGetSettings, nil, &s)
	return s, err
}

// UpdateSettings changes the fields set in params and returns the result.
func (c *Client) UpdateSettings(ctx context.Context, params protocol.UpdateSettingsParams) (config.Settings, error) {
	var s config.Settings
	err := c.call(ctx, protocol.CommandUpdateSettings, params, &s)
	return s, err
}

// SetCredentials stores new portal credentials.
func (c *Client) SetCredentials(ctx context.Context, username, password string) error {
	return c.call(ctx, protocol.CommandSetCredentials,
		protocol.SetCredentialsParams{Username: username, Password: password}, nil)
}

// ClearAll wipes credentials, settings and history.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.call(ctx, protocol.CommandClearAll, nil, nil)
}

// Start starts the engine, applying params first.
func (c *Client) Start(ctx context.Context, params protocol.UpdateSettingsParams) (engine.State, error) {
	var st engine.State
	err := c.call(ctx, protocol.CommandStart, params, &st)
	return st, err
}

// Stop stops the engine.
func (c *Client) Stop(ctx context.Context) (engine.State, error) {
	var st engine.State
	err := c.call(ctx, protocol.CommandStop, nil, &st)
	return st, err
}

// call sends the request and decodes the result into out, if non-nil.
// A daemon-side failure is returned as *protocol.ErrorInfo.
func (c *Client) call(ctx context.Context, cmd protocol.Command, params, out any) error {
	resp, err := c.sendRequest(ctx, cmd, params)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", cmd, err)
	}
	return nil
}

func (c *Client) sendRequest(ctx context.Context, cmd protocol.Command, params any) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	req, err := protocol.NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}

	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, errors.New("request failed with unknown error")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.closeChan:
			default:
				if err != io.EOF && !errors.Is(err, net.ErrClosed) {
					slog.Error("Read error from daemon", "error", err)
				}
			}
			return
		}
		c.handleMessage(line)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid message from daemon", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("Invalid response from daemon", "error", err)
			return
		}
		c.handleResponse(&resp)

	case protocol.MessageTypeEvent:
		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Invalid event from daemon", "error", err)
			return
		}
		c.handleEvent(&event)

	default:
		truncated := string(data)
		if len(truncated) > 200 {
			truncated = truncated[:200] + "..."
		}
		slog.Warn("Unknown message type from daemon", "type", msg.Type, "data", truncated)
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
		return
	}
	if resp.Error != nil {
		// the server could not match the request, e.g. malformed JSON
		slog.Warn("Uncorrelated error from daemon", "code", resp.Error.Code, "message", resp.Error.Message)
	}
}

func (c *Client) handleEvent(event *protocol.Event) {
	if event.Name != protocol.EventState {
		slog.Debug("Ignoring event", "name", event.Name)
		return
	}
	var st engine.State
	if err := json.Unmarshal(event.Data, &st); err != nil {
		slog.Warn("Invalid state event", "error", err)
		return
	}

	c.mu.RLock()
	callback := c.onState
	c.mu.RUnlock()
	if callback != nil {
		callback(st)
	}
}
