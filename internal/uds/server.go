package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrSocketInUse is returned by Start when another process already answers
// on the socket path.
var ErrSocketInUse = errors.New("socket is served by another process")

type HandlerFunc func(req *Request) *Response

// ServerConfig configures a Server. Zero values take defaults.
type ServerConfig struct {
	SocketPath string
	// ConnTimeout bounds one request/response exchange.
	ConnTimeout time.Duration
	// MaxConns caps the connections handled at once; extra clients get BUSY.
	MaxConns int64
	Logger   *logrus.Entry
}

// Server answers one framed request per connection with the handler
// registered for its command.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	conns    *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "uds")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		conns:    semaphore.NewWeighted(cfg.MaxConns),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path. A socket file left by a dead process is
// replaced; a live one is not.
func (s *Server) Start() error {
	if live(s.cfg.SocketPath) {
		return fmt.Errorf("%s: %w", s.cfg.SocketPath, ErrSocketInUse)
	}
	_ = os.Remove(s.cfg.SocketPath)

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func live(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener == nil {
		return nil
	}
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.cfg.Logger.Warnf("accept error: %v", err)
			continue
		}

		if !s.conns.TryAcquire(1) {
			s.wg.Add(1)
			go s.reject(conn)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.conns.Release(1)
			s.handleConn(conn)
		}()
	}
}

// reject answers an over-limit client with BUSY without dispatching its
// request.
func (s *Server) reject(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	s.cfg.Logger.Warnf("connection limit %d reached, rejecting client", s.cfg.MaxConns)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnTimeout))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	_ = WriteFrame(conn, ErrorResponse(ErrCodeBusy, "daemon busy, retry shortly"))
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Errorf("panic in handleConn: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.cfg.Logger.Debugf("read request error: %v", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	fields := logrus.Fields{"command": req.Command, "duration": time.Since(start)}
	if resp.Error != nil {
		fields["code"] = resp.Error.Code
	}
	s.cfg.Logger.WithFields(fields).Debug("request handled")

	if err := WriteFrame(conn, resp); err != nil {
		s.cfg.Logger.Warnf("write response command=%s: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return s.invoke(handler, req)
}

// invoke runs a handler, turning a panic into an INTERNAL_ERROR response so
// the client still gets an answer.
func (s *Server) invoke(handler HandlerFunc, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Errorf("panic in handler command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("internal error handling %q", req.Command))
		}
	}()
	return handler(req)
}
