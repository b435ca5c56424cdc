// Package queued implements the queued control protocol: opcode-tagged
// records that build up a preload in one of the player's two lists, drive
// a synchronous zero-gain reset, or request shutdown.
//
// At most one connection is served at a time: a new connection replaces
// (and closes) any active one.
package queued

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/player"
	"github.com/jbrzusto/awgsrv/status"
)

// Default tuning, matching the original's IO_TIMEOUT_MS and
// SHUTDOWN_FLUSH_FRAMES.
const (
	DefaultReadTimeout = 5 * time.Second
	DefaultFlushFrames = 100
	maxWordsPerFrame   = frame.MaxWordsPerFrame
	maxTotalFrames     = frame.MaxTotalFrames
)

// Opcodes, one byte each on the wire.
const (
	opPreloadBegin byte = 'B'
	opPreloadPush  byte = 'P'
	opPreloadEnd   byte = 'E'
	opReset        byte = 'Z'
	opShutdown     byte = 'X'
)

// ErrProtocol is returned (and logged) when a connection sends a
// malformed record; the connection is always dropped in response.
var ErrProtocol = errors.New("queued: protocol error")

// ShutdownFunc is invoked when opcode X is received, after the Reset
// drain has completed. The default Server has none configured, so X is
// equivalent to Z.
type ShutdownFunc func()

// Server serves the queued control protocol on one TCP listener.
type Server struct {
	player      *player.Player
	publisher   *status.Publisher
	logger      *log.Logger
	readTimeout time.Duration
	flushFrames int
	onShutdown  ShutdownFunc

	mu         sync.Mutex
	listener   net.Listener
	activeConn net.Conn
}

// Option configures a Server at construction.
type Option func(*Server)

// WithReadTimeout overrides the per-record read timeout (default 5s).
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithFlushFrames overrides the number of zero-gain frames driven during
// a Reset drain (default 100, ~100ms at the default period).
func WithFlushFrames(n int) Option {
	return func(s *Server) { s.flushFrames = n }
}

// WithShutdownFunc registers a callback invoked after a Reset drain
// triggered by opcode X. Leaving this unset makes X behave exactly like Z.
func WithShutdownFunc(f ShutdownFunc) Option {
	return func(s *Server) { s.onShutdown = f }
}

// SetFlushFrames changes the number of zero-gain frames driven during a
// future Reset drain, e.g. from a config reload. Safe for concurrent use.
func (s *Server) SetFlushFrames(n int) {
	s.mu.Lock()
	s.flushFrames = n
	s.mu.Unlock()
}

// New returns a queued-protocol server bound to p and publisher.
func New(p *player.Player, publisher *status.Publisher, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[QUEUED] ", log.LstdFlags)
	}
	s := &Server{
		player:      p,
		publisher:   publisher,
		logger:      logger,
		readTimeout: DefaultReadTimeout,
		flushFrames: DefaultFlushFrames,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve binds addr and accepts connections until the listener is closed.
// A newly accepted connection replaces (and closes) any prior one, so
// this blocks until Close is called; run it in its own goroutine.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("queued: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go s.adopt(conn)
	}
}

// Close stops accepting connections and drops the active one, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	conn := s.activeConn
	s.activeConn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// adopt replaces the active connection with conn, closing whichever one
// was active, then serves conn to completion. It runs in its own
// goroutine so Serve's accept loop can keep accepting, and so a new
// connection can preempt a stalled one while this one is still being
// served.
func (s *Server) adopt(conn net.Conn) {
	s.mu.Lock()
	if s.activeConn != nil {
		s.activeConn.Close()
	}
	s.activeConn = conn
	s.mu.Unlock()

	s.logger.Printf("client connected: %s", conn.RemoteAddr())
	s.serveConn(conn)

	s.mu.Lock()
	if s.activeConn == conn {
		s.activeConn = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.logger.Printf("client disconnected: %s", conn.RemoteAddr())
}

// serveConn reads opcode records until a protocol error or disconnect,
// then rolls back any lists this connection left mid-load.
func (s *Server) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	loading := [2]bool{}

	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		op, err := r.ReadByte()
		if err != nil {
			break
		}

		var opErr error
		switch op {
		case opPreloadBegin:
			opErr = s.handlePreloadBegin(conn, r, &loading)
		case opPreloadPush:
			opErr = s.handlePreloadPush(conn, r, &loading)
		case opPreloadEnd:
			opErr = s.handlePreloadEnd(conn, r, &loading)
		case opReset:
			s.doReset()
			loading[0], loading[1] = false, false
		case opShutdown:
			s.doReset()
			loading[0], loading[1] = false, false
			if s.onShutdown != nil {
				s.onShutdown()
			}
		default:
			opErr = fmt.Errorf("%w: unknown opcode %q", ErrProtocol, op)
		}
		if opErr != nil {
			s.logger.Printf("%s: %v", conn.RemoteAddr(), opErr)
			break
		}
	}

	for id := 0; id < 2; id++ {
		if loading[id] {
			s.cancelPreload(id)
		}
	}
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// handlePreloadBegin reads `u8 list_id, u32 total_frames`.
func (s *Server) handlePreloadBegin(conn net.Conn, r *bufio.Reader, loading *[2]bool) error {
	var hdr [5]byte
	if err := readFull(r, hdr[:]); err != nil {
		return err
	}
	listID := int(hdr[0])
	totalFrames := binary.BigEndian.Uint32(hdr[1:5])
	if listID < 0 || listID > 1 {
		return fmt.Errorf("%w: bad list id %d", ErrProtocol, listID)
	}

	s.player.Lock()
	err := s.player.List(listID).Prepare(totalFrames)
	s.player.Unlock()
	if err != nil {
		return fmt.Errorf("%w: preload_begin: %v", ErrProtocol, err)
	}

	loading[listID] = true
	if s.publisher != nil {
		s.publisher.Set(listID, frame.Loading)
	}
	return nil
}

// handlePreloadPush reads `u8 list_id, u16 count, count*u32`.
func (s *Server) handlePreloadPush(conn net.Conn, r *bufio.Reader, loading *[2]bool) error {
	var hdr [3]byte
	if err := readFull(r, hdr[:]); err != nil {
		return err
	}
	listID := int(hdr[0])
	count := int(binary.BigEndian.Uint16(hdr[1:3]))
	if listID < 0 || listID > 1 {
		return fmt.Errorf("%w: bad list id %d", ErrProtocol, listID)
	}
	if count < 1 || count > maxWordsPerFrame {
		return fmt.Errorf("%w: bad frame word count %d", ErrProtocol, count)
	}

	raw := make([]byte, count*4)
	if err := readFull(r, raw); err != nil {
		return err
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}

	s.player.Lock()
	l := s.player.List(listID)
	err := l.Push(words)
	var justReady bool
	if err == nil && l.State() == frame.Ready {
		justReady = true
		if !s.player.Playing() {
			s.player.AutoStart(listID)
		}
	}
	s.player.Unlock()
	if err != nil {
		return fmt.Errorf("%w: preload_push: %v", ErrProtocol, err)
	}

	if justReady {
		loading[listID] = false
		if s.publisher != nil {
			s.publisher.Set(listID, frame.Ready)
		}
	}
	return nil
}

// handlePreloadEnd reads `u8 list_id`.
func (s *Server) handlePreloadEnd(conn net.Conn, r *bufio.Reader, loading *[2]bool) error {
	id, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	listID := int(id)
	if listID < 0 || listID > 1 {
		return fmt.Errorf("%w: bad list id %d", ErrProtocol, listID)
	}

	s.player.Lock()
	l := s.player.List(listID)
	wasReady := l.State() == frame.Ready
	err = l.Finalize()
	if err == nil && !s.player.Playing() {
		s.player.AutoStart(listID)
	}
	s.player.Unlock()
	if err != nil {
		return fmt.Errorf("%w: preload_end: %v", ErrProtocol, err)
	}

	loading[listID] = false
	if s.publisher != nil && !wasReady {
		s.publisher.Set(listID, frame.Ready)
	}
	return nil
}

// cancelPreload clears a list a disconnected or errored connection left
// mid-load and republishes Idle for it.
func (s *Server) cancelPreload(listID int) {
	s.player.Lock()
	s.player.List(listID).Clear()
	s.player.Unlock()
	if s.publisher != nil {
		s.publisher.Set(listID, frame.Idle)
	}
}

// doReset performs the synchronous zero-gain drain: list 0 first, then
// list 1, each played to completion before the next begins, only then
// clearing both and publishing Idle for both.
func (s *Server) doReset() {
	s.mu.Lock()
	flushFrames := s.flushFrames
	s.mu.Unlock()

	s.player.Lock()
	s.player.List(0).Clear()
	s.player.List(1).Clear()
	s.player.Unlock()

	_ = s.player.DrainZeroGain(0, flushFrames)
	_ = s.player.DrainZeroGain(1, flushFrames)

	s.player.Lock()
	s.player.List(0).Clear()
	s.player.List(1).Clear()
	s.player.Unlock()

	if s.publisher != nil {
		s.publisher.Set(0, frame.Idle)
		s.publisher.Set(1, frame.Idle)
	}
}
