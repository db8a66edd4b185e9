// Package operator — server.go
//
// Unix domain socket server for containment kernel operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/containment-kernel/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the current top-level SAFE_MODE state.
//	  → Response: {"ok":true,"state":"IDLE"}
//	    ("safe_mode":true is added only while SAFE_MODE is active)
//
//	{"cmd":"trigger_safe_mode","reason":"operator requested halt"}
//	  → Forces a transition into SAFE_MODE. Every wrapped call across every
//	    chain begins returning HALT immediately.
//	  → Response: {"ok":true,"state":"SAFE_MODE"}
//
//	{"cmd":"clear_safe_mode","reason":"incident resolved"}
//	  → Clears SAFE_MODE back to IDLE. This is the only way SAFE_MODE is
//	    ever cleared — nothing in the kernel does so automatically.
//	  → Response: {"ok":true,"state":"IDLE"}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covering both the read and the write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/veronica-labs/containment-kernel/internal/safemode"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"` // status | trigger_safe_mode | clear_safe_mode
	Reason string `json:"reason,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	State    string `json:"state,omitempty"`
	SafeMode bool   `json:"safe_mode,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	controller *safemode.Controller
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server fronting controller.
func NewServer(socketPath string, controller *safemode.Controller, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		controller: controller,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "trigger_safe_mode":
		return s.cmdTriggerSafeMode(req)
	case "clear_safe_mode":
		return s.cmdClearSafeMode(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	state := s.controller.CurrentState()
	return Response{OK: true, State: string(state), SafeMode: s.controller.IsSafeMode()}
}

func (s *Server) cmdTriggerSafeMode(req Request) Response {
	reason := req.Reason
	if reason == "" {
		reason = "operator requested"
	}
	s.controller.Transition(safemode.SafeMode, reason)
	if err := s.controller.Save(); err != nil {
		s.log.Error("operator: save after trigger_safe_mode failed", zap.Error(err))
	}
	s.log.Warn("operator: SAFE_MODE triggered", zap.String("reason", reason))
	return Response{OK: true, State: string(safemode.SafeMode)}
}

func (s *Server) cmdClearSafeMode(req Request) Response {
	reason := req.Reason
	if reason == "" {
		reason = "operator cleared"
	}
	s.controller.Transition(safemode.Idle, reason)
	if err := s.controller.Save(); err != nil {
		s.log.Error("operator: save after clear_safe_mode failed", zap.Error(err))
	}
	s.log.Info("operator: SAFE_MODE cleared", zap.String("reason", reason))
	return Response{OK: true, State: string(safemode.Idle)}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
