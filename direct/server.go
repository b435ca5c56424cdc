// Package direct implements the thin passthrough TCP server: no state, no
// acknowledgement, one goroutine per connection, each frame applied to
// the AWG device the instant it is fully read.
package direct

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/jbrzusto/awgsrv/awg"
)

// DefaultReadTimeout matches the original direct server's per-read
// timeout of 100ms.
const DefaultReadTimeout = 100 * time.Millisecond

// SockRecvBuf is the SO_RCVBUF size set on each accepted connection,
// matching the original's SOCK_RCVBUF.
const SockRecvBuf = 256 * 1024

const maxWords = 64

// Server accepts any number of concurrent connections, sharing dev's
// internal mutex with the player so writes are never interleaved.
type Server struct {
	dev         *awg.Device
	logger      *log.Logger
	readTimeout time.Duration

	listener net.Listener
}

// Option configures a Server at construction.
type Option func(*Server)

// WithReadTimeout overrides the per-read timeout (default 100ms).
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// New returns a direct passthrough server writing to dev.
func New(dev *awg.Device, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[DIRECT] ", log.LstdFlags)
	}
	s := &Server{dev: dev, logger: logger, readTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve binds addr and accepts connections until the listener is closed.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("direct: listen %s: %w", addr, err)
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetReadBuffer(SockRecvBuf)
	}

	var hdr [2]byte
	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		count := int(binary.BigEndian.Uint16(hdr[:]))
		if count == 0 || count > maxWords {
			s.logger.Printf("%s: bad word count %d", conn.RemoteAddr(), count)
			return
		}

		raw := make([]byte, count*4)
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if _, err := io.ReadFull(conn, raw); err != nil {
			return
		}

		words := make([]uint32, count)
		for i := range words {
			words[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
		}

		if err := s.dev.SendWords(words); err != nil {
			s.logger.Printf("%s: send_words: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
