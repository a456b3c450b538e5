// Package server accepts control connections on a UNIX socket and
// exchanges newline-delimited JSON with them.
package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/fileutil"
)

const (
	// maxMessageSize bounds a single request line, newline included.
	maxMessageSize = 64 << 10
	// maxConcurrentClients bounds simultaneous connections.
	maxConcurrentClients = 16
	// writeTimeout bounds a single write so a stuck client cannot stall broadcasts.
	writeTimeout = 2 * time.Second

	socketPerm = 0o600
	groupPerm  = 0o660
)

var errMessageTooLarge = errors.New("message too large")

// RequestHandler maps a request to the response written back on the same connection.
type RequestHandler func(req *protocol.Request) *protocol.Response

// Server owns the listening socket and the set of live sessions.
type Server struct {
	socketPath  string
	socketGroup string
	handler     RequestHandler

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	listener net.Listener
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server whose socket is private to the current user.
func NewServer(socketPath string, handler RequestHandler) *Server {
	return NewServerWithGroup(socketPath, "", handler)
}

// NewServerWithGroup creates a server whose socket is also writable by socketGroup.
// handler must not be nil.
func NewServerWithGroup(socketPath, socketGroup string, handler RequestHandler) *Server {
	if handler == nil {
		panic("server: nil handler")
	}
	return &Server{
		socketPath:  socketPath,
		socketGroup: socketGroup,
		handler:     handler,
		sessions:    make(map[*session]struct{}),
	}
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	running := s.listener != nil
	s.mu.RUnlock()
	if running {
		return errors.New("server already running")
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("Control server started", "socket", s.socketPath, "group", s.socketGroup)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// listen binds a fresh socket and applies its mode and group.
func (s *Server) listen() (_ net.Listener, err error) {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), fileutil.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}
	defer func() {
		if err != nil {
			_ = listener.Close()
		}
	}()

	perm := os.FileMode(socketPerm)
	if s.socketGroup != "" {
		gid, err := lookupGID(s.socketGroup)
		if err != nil {
			return nil, err
		}
		// -1 keeps the owner
		if err := os.Chown(s.socketPath, -1, gid); err != nil {
			return nil, fmt.Errorf("failed to chown socket: %w", err)
		}
		perm = groupPerm
	}
	if err := os.Chmod(s.socketPath, perm); err != nil {
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

func lookupGID(name string) (int, error) {
	grp, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("group %q not found: %w", name, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return 0, fmt.Errorf("invalid gid %q: %w", grp.Gid, err)
	}
	return gid, nil
}

// Stop closes the listener and every session, then waits for them to exit.
func (s *Server) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	sessions := s.snapshotLocked()
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	if err := listener.Close(); err != nil {
		slog.Error("Failed to close listener", "error", err)
	}
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}
	slog.Info("Control server stopped")
	return nil
}

// Broadcast writes an event to every connected session.
func (s *Server) Broadcast(event *protocol.Event) {
	s.mu.RLock()
	sessions := s.snapshotLocked()
	s.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.send(event); err != nil {
			slog.Warn("Failed to send event to client", "error", err)
		}
	}
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) snapshotLocked() []*session {
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			slog.Error("Accept error", "error", err)
			continue
		}

		sess := &session{conn: conn}
		if !s.register(sess, listener) {
			slog.Warn("Rejecting client, too many connections", "max", maxConcurrentClients)
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serve(sess)
	}
}

// register admits sess unless the server stopped or is full.
func (s *Server) register(sess *session, listener net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != listener || len(s.sessions) >= maxConcurrentClients {
		return false
	}
	s.sessions[sess] = struct{}{}
	slog.Debug("Client connected", "clients", len(s.sessions))
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	slog.Debug("Client disconnected", "clients", len(s.sessions))
}

func (s *Server) serve(sess *session) {
	defer s.wg.Done()
	defer s.unregister(sess)
	defer func() { _ = sess.conn.Close() }()

	reader := bufio.NewReader(sess.conn)
	for {
		line, err := readLine(reader, maxMessageSize)
		switch {
		case errors.Is(err, errMessageTooLarge):
			slog.Warn("Dropping client, request too large", "max", maxMessageSize)
			_ = sess.send(protocol.NewErrorResponse("", protocol.ErrCodeInvalidRequest, "message too large"))
			return
		case err != nil:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Error("Read error", "error", err)
			}
			return
		}

		resp := s.dispatch(line)
		if resp == nil {
			continue
		}
		if err := sess.send(resp); err != nil {
			slog.Error("Failed to send response", "error", err)
			return
		}
	}
}

// dispatch decodes one line and returns its reply, or nil for a blank line.
func (s *Server) dispatch(line []byte) *protocol.Response {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		slog.Warn("Invalid request", "error", err)
		return protocol.NewErrorResponse("", protocol.ErrCodeInvalidRequest, "invalid JSON")
	}
	if req.Type != "" && req.Type != protocol.MessageTypeRequest {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidRequest,
			fmt.Sprintf("unexpected message type: %s", req.Type))
	}
	return s.handler(&req)
}

// readLine reads one newline-terminated message. A line reaching max bytes
// without its newline is rejected without waiting for the rest.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > max {
			return nil, errMessageTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) >= max {
				return nil, errMessageTooLarge
			}
		default:
			return nil, err
		}
	}
}

// session is one accepted connection; writes are serialized.
type session struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}
