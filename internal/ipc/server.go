package ipc

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one request with one response.
type HandlerFunc func(req *Request) *Response

// StreamFunc serves a long-lived command. It calls send once per frame
// and returns when the stream ends; a send error means the client went
// away.
type StreamFunc func(req *Request, send func(v any) error) error

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	streams     map[string]StreamFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		streams:     make(map[string]StreamFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// HandleStream registers a streaming command. The connection deadline
// is lifted for its whole lifetime.
func (s *Server) HandleStream(command string, handler StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[command] = handler
}

func (s *Server) Start() error {
	// Remove stale socket file
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Set socket file permissions to 0600
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in handleConn: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("read request error: %v", err)
		return
	}

	if req.ProtocolVersion != ProtocolVersion {
		resp := ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
		if err := WriteFrame(conn, resp); err != nil {
			log.Printf("write response error: %v", err)
		}
		return
	}

	s.mu.RLock()
	stream, isStream := s.streams[req.Command]
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if isStream {
		s.serveStream(conn, &req, stream)
		return
	}

	var resp *Response
	if ok {
		resp = handler(&req)
	} else {
		resp = ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	if err := WriteFrame(conn, resp); err != nil {
		log.Printf("write response error: %v", err)
	}
}

func (s *Server) serveStream(conn net.Conn, req *Request, stream StreamFunc) {
	// Streams outlive the request timeout; each frame gets its own
	// write deadline instead.
	_ = conn.SetDeadline(time.Time{})

	send := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.connTimeout))
		return WriteFrame(conn, v)
	}

	if err := stream(req, send); err != nil {
		log.Printf("stream %q ended: %v", req.Command, err)
	}
}
