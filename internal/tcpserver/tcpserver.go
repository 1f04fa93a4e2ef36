// Package tcpserver binds the supervisor's loopback-only control socket,
// accepts connections, and frames the line-oriented command protocol: read
// until '\n' within a bounded line length, hand the line to a Dispatcher,
// write the reply followed by '\n'.
//
// One goroutine handles each accepted connection independently; there is
// no router or shared per-request state, since the protocol is a flat
// line format rather than HTTP.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// MaxLineLength bounds a single incoming command line so a peer that never
// sends '\n' cannot grow a connection's read buffer without limit; lines
// longer than this are rejected with a parse error.
const MaxLineLength = 64 * 1024

// Dispatcher is the subset of *dispatcher.Dispatcher the server depends
// on: parse-validate-execute one line, return the reply line.
type Dispatcher interface {
	Dispatch(line string) string
}

// Server accepts loopback TCP connections and frames the command protocol
// over each one. The zero value is not usable; construct with New.
type Server struct {
	log        *zap.Logger
	addr       string
	dispatcher Dispatcher

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server bound to no socket yet; call Listen then Serve (or
// ListenAndServe) to start accepting.
func New(log *zap.Logger, addr string, dispatcher Dispatcher) *Server {
	return &Server{
		log:        log.Named("tcpserver"),
		addr:       addr,
		dispatcher: dispatcher,
	}
}

// Listen binds the configured address with address-reuse enabled so a
// restart does not fail on a lingering TIME_WAIT socket from the previous
// process.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: setReuseAddr,
	}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address. Valid only after a successful Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until the listener is closed (by Close, or by
// any other party). Every accepted connection is handled by its own
// goroutine. Serve returns nil on a clean shutdown (listener closed) and a
// non-nil error on any other accept failure.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return errors.New("tcpserver: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// ListenAndServe binds addr and serves until Close is called or a fatal
// accept error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops the accept loop. Live connections are not drained; shutdown
// is immediate, not graceful.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("connection accepted")

	reader := bufio.NewReader(conn)

	for {
		line, err := readBoundedLine(reader, MaxLineLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				if _, writeErr := conn.Write([]byte(oversizeLineReply)); writeErr != nil {
					log.Debug("write failed after oversize line", zap.Error(writeErr))
					return
				}
				continue
			}
			log.Debug("connection closed", zap.Error(err))
			return
		}

		reply := s.dispatcher.Dispatch(line)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
}
