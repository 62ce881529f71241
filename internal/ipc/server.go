package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/al-bashkir/session-lease/internal/logsanitize"
)

// connTimeout bounds a single request/response exchange.
const connTimeout = 30 * time.Second

// Handler serves one request. A returned error becomes an error response
// whose code is derived with ErrorCode.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Server is the IPC server that listens on a Unix socket for CLI commands
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

// NewServer creates a new IPC server
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		stopChan:   make(chan struct{}),
	}
}

// Start starts the IPC server
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Owner and group only: the socket can end or start sessions.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				slog.Error("failed to accept connection", "error", err)
				select {
				case <-s.stopChan:
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single IPC connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(connTimeout)); err != nil {
		slog.Warn("failed to set connection deadline", "error", err)
	}

	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		s.sendError(conn, CodeInvalid, "invalid request format")
		return
	}

	switch req.Command {
	case CommandStatus, CommandRenew, CommandStart, CommandLogout:
	default:
		slog.Error("invalid command", // #nosec G706 -- values sanitized via logsanitize
			"command", logsanitize.Sanitize(string(req.Command)),
		)
		s.sendError(conn, CodeInvalid, "invalid command")
		return
	}

	slog.Debug("IPC request received", "command", req.Command)

	resp, err := s.handler(ctx, &req)
	if err != nil {
		slog.Info("IPC command failed", "command", req.Command, "error", err)
		s.sendError(conn, ErrorCode(err), err.Error())
		return
	}

	if resp.Status == "" {
		resp.Status = StatusOK
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
		return
	}

	slog.Debug("IPC response sent", "command", req.Command, "status", resp.Status)
}

// sendError sends an error response to the client
func (s *Server) sendError(conn net.Conn, code, errMsg string) {
	resp := &Response{
		Status: StatusError,
		Code:   code,
		Error:  errMsg,
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send error response", "error", err)
	}
}

// Stop stops the IPC server gracefully. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("stopping IPC server")

		close(s.stopChan)

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				slog.Warn("failed to close listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.wg.Wait()

		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove socket file", "error", err)
		}

		slog.Info("IPC server stopped")
	})
	return nil
}
