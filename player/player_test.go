package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/status"
)

func newTestPlayer(t *testing.T) *Player {
	t.Helper()
	pub := status.New()
	p := New(nil, pub, nil, time.Millisecond)
	return p
}

func runFor(t *testing.T, p *Player, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	<-done
}

func TestSingleListPlaybackDrainsToIdle(t *testing.T) {
	p := newTestPlayer(t)

	p.Lock()
	require.NoError(t, p.List(0).Prepare(3))
	require.NoError(t, p.List(0).Push([]uint32{0xABCD0001}))
	require.NoError(t, p.List(0).Push([]uint32{0xABCD0002}))
	require.NoError(t, p.List(0).Push([]uint32{0xABCD0003}))
	p.AutoStart(0)
	p.Unlock()

	runFor(t, p, 50*time.Millisecond)

	p.Lock()
	defer p.Unlock()
	assert.False(t, p.Playing())
	assert.Equal(t, frame.Idle, p.List(0).State())
}

func TestPingPongSwitchPicksUpNextList(t *testing.T) {
	p := newTestPlayer(t)

	p.Lock()
	require.NoError(t, p.List(0).Prepare(2))
	require.NoError(t, p.List(0).Push([]uint32{1}))
	require.NoError(t, p.List(0).Push([]uint32{2}))
	require.NoError(t, p.List(1).Prepare(2))
	require.NoError(t, p.List(1).Push([]uint32{3}))
	require.NoError(t, p.List(1).Push([]uint32{4}))
	p.AutoStart(0)
	p.Unlock()

	runFor(t, p, 60*time.Millisecond)

	p.Lock()
	defer p.Unlock()
	assert.False(t, p.Playing())
	assert.Equal(t, frame.Idle, p.List(0).State())
	assert.Equal(t, frame.Idle, p.List(1).State())
}

func TestNotPlayingMakesNoProgress(t *testing.T) {
	p := newTestPlayer(t)

	p.Lock()
	require.NoError(t, p.List(0).Prepare(1))
	require.NoError(t, p.List(0).Push([]uint32{1}))
	p.Unlock()

	runFor(t, p, 20*time.Millisecond)

	p.Lock()
	defer p.Unlock()
	assert.False(t, p.Playing())
	assert.Equal(t, frame.Ready, p.List(0).State())
}

func TestDrainZeroGainReturnsListToIdle(t *testing.T) {
	p := newTestPlayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(runDone)
	}()

	err := p.DrainZeroGain(0, 5)
	require.NoError(t, err)

	p.Lock()
	assert.Equal(t, frame.Idle, p.List(0).State())
	p.Unlock()

	cancel()
	<-runDone
}
