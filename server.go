package duplex

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Handler serves one accepted stream. name is a fresh connection identity
// that can be passed to NameOption.
type Handler interface {
	Handle(ctx context.Context, name string, conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, name string, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, name string, conn net.Conn) {
	f(ctx, name, conn)
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Server accepts streams from a listener and runs a Handler for each of them.
type Server struct {
	listener        net.Listener
	logger          Logger
	shutdownTimeout time.Duration

	conns    *xsync.MapOf[string, net.Conn]
	handlers errgroup.Group

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server waits up to this duration before
// closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// Listen creates a server listening on network and address, for example
// "unix" and a socket path.
func Listen(network, address string, opts ...ServerOption) (*Server, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}
	return NewServer(l, opts...), nil
}

// NewServer creates a server on an existing listener, such as one inherited
// through socket activation.
func NewServer(l net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener:    l,
		logger:      defaultLogger(),
		conns:       xsync.NewMapOf[string, net.Conn](),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts streams and dispatches them to handler until ctx is canceled
// or accepting fails. Each stream gets its own identity and goroutine.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-stop:
				return
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Unblock Accept
		if dl, ok := s.listener.(deadlineListener); ok {
			_ = dl.SetDeadline(time.Now())
		} else {
			_ = s.listener.Close()
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		name := NewConnectionName()
		s.logger.Debug("accepted connection", "conn", name, "remote_addr", conn.RemoteAddr())
		s.conns.Store(name, conn)
		s.handlers.Go(func() error {
			defer s.conns.Delete(name)
			handler.Handle(ctx, name, conn)
			return nil
		})
	}
}

// Wait blocks until every handler started by Serve has returned.
func (s *Server) Wait() error {
	return s.handlers.Wait()
}

// Connections returns the number of streams whose handler is still running.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// CloseConnections closes every stream whose handler is still running.
func (s *Server) CloseConnections() error {
	var err error
	s.conns.Range(func(name string, conn net.Conn) bool {
		err = multierr.Append(err, conn.Close())
		return true
	})
	return err
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
