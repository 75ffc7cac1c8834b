package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ipc: server closed")

// Listen opens the TCP listener for host:port. Port 0 picks a free port.
func Listen(host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Server accepts TCP connections and runs one session per connection.
type Server struct {
	handler *Handler
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[net.Conn]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a server answering with h.
func NewServer(h *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:  h,
		log:      logger,
		sessions: make(map[net.Conn]struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown the error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		if !s.track(nc) {
			nc.Close()
			return ErrServerClosed
		}

		go func() {
			defer s.untrack(nc)
			defer nc.Close()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(c net.Conn) {
	remote := c.RemoteAddr().String()
	s.log.Debug("session opened", "addr", remote)

	err := s.handler.Serve(s.baseCtx, c, c)
	if err != nil && !s.closing.Load() {
		s.log.Debug("session ended", "addr", remote, "error", err)
		return
	}
	s.log.Debug("session closed", "addr", remote)
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.sessions, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, ends idle sessions, and waits for
// in-flight requests to finish. When ctx expires first, remaining sessions
// are closed and their calls cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.closeSessions(false)
		select {
		case <-done:
			s.cancel()
			return nil
		case <-ctx.Done():
			s.cancel()
			s.closeSessions(true)
			<-done
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeSessions ends every session. Without force, a session's pending read
// is expired instead of closing the connection, so requests already read
// still get their replies.
func (s *Server) closeSessions(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sessions {
		if force {
			c.Close()
			continue
		}
		c.SetReadDeadline(time.Now()) //nolint:errcheck
	}
}
