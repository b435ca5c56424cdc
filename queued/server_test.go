package queued

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/player"
	"github.com/jbrzusto/awgsrv/status"
)

func startTestServer(t *testing.T, opts ...Option) (*Server, *player.Player, *status.Publisher, string) {
	t.Helper()
	pub := status.New()
	p := player.New(nil, pub, nil, time.Millisecond)
	s := New(p, pub, nil, opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go s.Serve(addr)
	time.Sleep(20 * time.Millisecond)
	t.Cleanup(func() { s.Close() })
	return s, p, pub, addr
}

func encodeBegin(listID byte, totalFrames uint32) []byte {
	b := make([]byte, 6)
	b[0] = 'B'
	b[1] = listID
	binary.BigEndian.PutUint32(b[2:6], totalFrames)
	return b
}

func encodePush(listID byte, words []uint32) []byte {
	b := make([]byte, 0, 4+len(words)*4)
	b = append(b, 'P', listID)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(words)))
	b = append(b, cnt[:]...)
	for _, w := range words {
		var wb [4]byte
		binary.BigEndian.PutUint32(wb[:], w)
		b = append(b, wb[:]...)
	}
	return b
}

func encodeEnd(listID byte) []byte { return []byte{'E', listID} }

// waitFor polls cond every 5ms until it returns true or timeout elapses,
// failing the test in the latter case.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPreloadBeginThenFinalPushReachesReady(t *testing.T) {
	_, p, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeBegin(0, 2))
	require.NoError(t, err)
	_, err = conn.Write(encodePush(0, []uint32{0xABCD0001}))
	require.NoError(t, err)
	_, err = conn.Write(encodePush(0, []uint32{0xABCD0002}))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.List(0).State() == frame.Ready
	})
}

func TestExplicitPreloadEndFinalizesPartialLoad(t *testing.T) {
	_, p, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeBegin(1, 10))
	require.NoError(t, err)
	_, err = conn.Write(encodePush(1, []uint32{1, 2, 3}))
	require.NoError(t, err)
	_, err = conn.Write(encodeEnd(1))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.List(1).State() == frame.Ready && p.List(1).LoadedFrames() == 1
	})
}

func TestDisconnectMidLoadCancelsPreload(t *testing.T) {
	_, p, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write(encodeBegin(0, 10))
	require.NoError(t, err)
	_, err = conn.Write(encodePush(0, []uint32{1}))
	require.NoError(t, err)
	_, err = conn.Write(encodePush(0, []uint32{2}))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.List(0).LoadedFrames() == 2
	})

	conn.Close()

	waitFor(t, time.Second, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.List(0).State() == frame.Idle
	})
}

func TestOverlengthFrameDropsConnection(t *testing.T) {
	_, p, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeBegin(1, 1))
	require.NoError(t, err)

	big := make([]uint32, 65)
	_, err = conn.Write(encodePush(1, big))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.List(1).State() == frame.Idle
	})

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestNewConnectionReplacesActiveOne(t *testing.T) {
	_, _, _, addr := startTestServer(t)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	first.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = first.Read(buf)
	require.Error(t, err) // first connection was closed when second was accepted
}
