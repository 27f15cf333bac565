package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler resolves one request. A returned error is sent back as the
// failure marker.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Server accepts connections concurrently and serves frames on each until
// the peer closes it.
type Server struct {
	handler       Handler
	logger        *zap.Logger
	maxFrameBytes int

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerMaxFrameBytes overrides DefaultMaxFrameBytes.
func WithServerMaxFrameBytes(n int) ServerOption {
	return func(s *Server) { s.maxFrameBytes = n }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server for h. Call Listen to start it.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:       h,
		logger:        zap.NewNop(),
		maxFrameBytes: DefaultMaxFrameBytes,
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds addr (use "127.0.0.1:0" for an ephemeral port) and starts
// accepting in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.Serve(ln)
	return nil
}

// Serve starts accepting on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.acceptLoop()
}

// Addr returns the bound host:port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, cancels in-flight handlers, closes open
// connections and waits for every goroutine to exit.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	for {
		var req Request
		if err := ReadFrame(conn, &req, s.maxFrameBytes); err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("read request failed", zap.Error(err))
				// the frame may be half read; answer and drop the connection
				_ = WriteFrame(conn, ErrorResponse(err.Error()), s.maxFrameBytes)
				drain(conn)
			}
			return
		}

		resp := s.dispatch(req)
		if err := WriteFrame(conn, resp, s.maxFrameBytes); err != nil {
			s.logger.Debug("write response failed", zap.String("request_id", req.ID), zap.Error(err))
			if errors.Is(err, ErrFrameTooLarge) {
				_ = WriteFrame(conn, ErrorResponse(err.Error()), s.maxFrameBytes)
				drain(conn)
			}
			return
		}
	}
}

// drain half-closes conn and discards unread input so closing it does not
// reset a response the peer has yet to read.
func drain(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.Copy(io.Discard, conn)
}

func (s *Server) dispatch(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("request_id", req.ID), zap.Any("panic", r))
			resp = ErrorResponse(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if err := req.Validate(); err != nil {
		return ErrorResponse(err.Error())
	}
	resp, err := s.handler.Handle(s.ctx, req)
	if err != nil {
		s.logger.Debug("handler failed", zap.String("request_id", req.ID), zap.Error(err))
		return ErrorResponse(err.Error())
	}
	return resp
}
