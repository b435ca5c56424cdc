// Package notify implements the status-notification TCP endpoint: a
// best-effort, text-line push of per-list state transitions to at most one
// subscriber.
package notify

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/status"
)

// Server accepts notifier subscribers on its own TCP port and pushes
// LIST<id>:<STATE> lines to whichever one is currently connected.
type Server struct {
	publisher *status.Publisher
	logger    *log.Logger

	mu         sync.Mutex
	subscriber net.Conn
	lastSent   [2]frame.State
	haveSent   [2]bool

	listener net.Listener
}

// New returns a notifier server bound to publisher, from which it reads
// the initial state sent to a freshly connected subscriber.
func New(publisher *status.Publisher, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &Server{publisher: publisher, logger: logger}
}

// Serve binds to addr and accepts subscribers until the listener is
// closed (via Close). It blocks; call it in its own goroutine.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("notify: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed: normal shutdown path
		}
		s.adopt(conn)
	}
}

// Close stops accepting new subscribers and disconnects the current one.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	sub := s.subscriber
	s.subscriber = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// adopt replaces any existing subscriber with conn and unconditionally
// sends the current state of both lists, all under one hold of s.mu so no
// concurrent Publish can slip a line to the new subscriber ahead of its
// guaranteed initial LIST0/LIST1 pair.
func (s *Server) adopt(conn net.Conn) {
	s.mu.Lock()
	if s.subscriber != nil {
		s.subscriber.Close()
	}
	s.subscriber = conn
	s.haveSent[0] = false
	s.haveSent[1] = false

	snap := s.publisher.Snapshot()
	s.publishLocked(0, snap[0], true)
	s.publishLocked(1, snap[1], true)
	s.mu.Unlock()

	s.logger.Printf("subscriber connected: %s", conn.RemoteAddr())
}

// Publish implements status.Sink. It sends a line only if st differs from
// the last value sent for listID on the current subscriber.
func (s *Server) Publish(listID int, st frame.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(listID, st, false)
}

func (s *Server) publishLocked(listID int, st frame.State, force bool) {
	if s.subscriber == nil {
		return
	}
	if !force && s.haveSent[listID] && s.lastSent[listID] == st {
		return
	}
	line := fmt.Sprintf("LIST%d:%s\n", listID, st)
	if _, err := s.subscriber.Write([]byte(line)); err != nil {
		s.subscriber.Close()
		s.subscriber = nil
		return
	}
	s.lastSent[listID] = st
	s.haveSent[listID] = true
}
