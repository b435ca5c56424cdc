package notify

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/status"
)

func startTestServer(t *testing.T) (*Server, *status.Publisher, string) {
	t.Helper()
	pub := status.New()
	srv := New(pub, nil)
	pub.SetSink(srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		_ = srv.Serve(addr)
	}()
	// give the listener a moment to bind before dialing.
	time.Sleep(20 * time.Millisecond)
	t.Cleanup(func() { srv.Close() })
	return srv, pub, addr
}

func TestSubscriberSeesInitialIdleLines(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	line0, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "LIST0:IDLE\n", line0)

	line1, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "LIST1:IDLE\n", line1)
}

func TestDuplicateStateNotResent(t *testing.T) {
	_, pub, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)
	_, _ = r.ReadString('\n')
	_, _ = r.ReadString('\n')

	pub.Set(0, frame.Idle) // no change: must not be resent
	pub.Set(0, frame.Loading)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "LIST0:LOADING\n", line)

	// confirm nothing else arrives promptly (no duplicate IDLE line).
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = r.ReadString('\n')
	require.Error(t, err)
}

func TestReconnectSeesCurrentState(t *testing.T) {
	_, pub, addr := startTestServer(t)
	pub.Set(0, frame.Ready)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	line0, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "LIST0:READY\n", line0)
}
