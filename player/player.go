// Package player implements the ping-pong frame player: a fixed-period
// timer-driven emitter that consumes one frame per tick from whichever of
// its two lists is current, switches lists without a gap, and auto-clears
// whichever list it just finished.
package player

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jbrzusto/awgsrv/awg"
	"github.com/jbrzusto/awgsrv/frame"
	"github.com/jbrzusto/awgsrv/status"
)

// DefaultPeriod is the player's default tick period, matching the
// original's period_us = 1000.
const DefaultPeriod = time.Millisecond

// Player owns the two frame lists and drives awg words to a Device at a
// fixed period. It is the sole caller of Device.SendWords on the playback
// path; the direct server calls SendWords too, and the two are kept from
// racing only because Device itself serializes them (see package awg).
type Player struct {
	mu sync.Mutex

	lists    [2]*frame.List
	playing  bool
	curList  int
	nextList int
	curFrame uint32
	period   time.Duration

	dev       *awg.Device
	publisher *status.Publisher
	logger    *log.Logger

	stop chan struct{}
	done chan struct{}
}

// New returns a Player with both lists empty and Idle, not yet running.
// period <= 0 is replaced by DefaultPeriod.
func New(dev *awg.Device, publisher *status.Publisher, logger *log.Logger, period time.Duration) *Player {
	if period <= 0 {
		period = DefaultPeriod
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAYER] ", log.LstdFlags)
	}
	return &Player{
		lists:     [2]*frame.List{frame.New(), frame.New()},
		nextList:  1,
		period:    period,
		dev:       dev,
		publisher: publisher,
		logger:    logger,
	}
}

// List returns the id'th list (0 or 1). Callers, the queued server and
// the reset sequencer, must take Lock/Unlock around any mutation so the
// player never observes a half-updated list.
func (p *Player) List(id int) *frame.List { return p.lists[id] }

// Lock and Unlock expose the player's lock to callers that need to mutate
// a List or the player's selection fields (curList/nextList/playing) from
// outside the tick loop. The queued server's PreloadBegin/Push/End and
// the reset sequencer all run under this same lock, since it guards every
// field the tick loop reads: both lists, playing, curList, nextList,
// curFrame, and period.
func (p *Player) Lock()   { p.mu.Lock() }
func (p *Player) Unlock() { p.mu.Unlock() }

// Playing reports whether the player is currently emitting frames. Must be
// called under Lock.
func (p *Player) Playing() bool { return p.playing }

// CurList reports the list currently selected for playback. Must be
// called under Lock.
func (p *Player) CurList() int { return p.curList }

// NextList reports the list staged to take over. Must be called under
// Lock.
func (p *Player) NextList() int { return p.nextList }

// AutoStart begins playback from listID if the player is not already
// playing, setting nextList to the other list. Called by the queued
// server immediately after a list transitions to Ready, while the caller
// already holds Lock.
func (p *Player) AutoStart(listID int) {
	if p.playing {
		return
	}
	p.playing = true
	p.curList = listID
	p.nextList = 1 - listID
	p.curFrame = 0
}

// SetPeriod changes the tick period. Must be called under Lock.
func (p *Player) SetPeriod(d time.Duration) {
	if d > 0 {
		p.period = d
	}
}

// Run drives the tick loop until ctx is cancelled or Stop is called. It is
// meant to be run in its own goroutine; Run returns once the loop has
// exited cleanly.
func (p *Player) Run(ctx context.Context) {
	p.mu.Lock()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop := p.stop
	done := p.done
	p.mu.Unlock()

	defer close(done)

	deadline := time.Now()
	for {
		p.mu.Lock()
		period := p.period
		p.mu.Unlock()
		deadline = deadline.Add(period)

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(time.Until(deadline)):
		}

		p.tick()
	}
}

// Stop signals Run to exit and blocks until it has. Safe to call even if
// Run was never started.
func (p *Player) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

// tick implements the per-tick decision: finish or switch the current
// list, then emit the next frame of whichever list is current. When the
// current list is exhausted and the other one is Ready, the switch and
// the first frame of the new list happen in the same tick, so there is no
// one-period gap between the two lists. p.mu is released before anything
// that takes time (publishing, calling SendWords).
func (p *Player) tick() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}

	finished := -1
	cur := p.lists[p.curList]
	if cur.State() != frame.Ready || p.curFrame >= cur.LoadedFrames() {
		finished = p.curList
		next := p.lists[p.nextList]
		switched := next.State() == frame.Ready && next.TotalFrames() > 0
		if switched {
			p.curList, p.nextList = p.nextList, p.curList
			p.curFrame = 0
		} else {
			p.playing = false
		}
		p.lists[finished].Clear()
		if !switched {
			p.mu.Unlock()
			if p.publisher != nil {
				p.publisher.Set(finished, frame.Idle)
			}
			return
		}
		cur = p.lists[p.curList]
	}

	words, err := cur.Get(p.curFrame)
	if err != nil {
		// Should be unreachable given the bounds check above; treat as
		// end-of-list rather than panicking the player loop.
		p.mu.Unlock()
		p.logger.Printf("list %d: frame %d: %v", p.curList, p.curFrame, err)
		return
	}
	// Snapshot before releasing the lock: words borrows into cur's backing
	// array, which is only safe because cur is not cleared while selected
	// (see frame.List.Get's doc comment).
	snapshot := append([]uint32(nil), words...)
	p.curFrame++
	p.mu.Unlock()

	if finished >= 0 && p.publisher != nil {
		p.publisher.Set(finished, frame.Idle)
	}
	if p.dev == nil {
		return
	}
	if err := p.dev.SendWords(snapshot); err != nil {
		p.logger.Printf("send_words: %v", err)
	}
}

// DrainZeroGain synchronously plays n zero-gain frames into list id and
// blocks until the player has consumed all of them and returned the list
// to Idle, used for PL priming at startup and the Reset/shutdown flush.
// The caller must not hold Lock.
func (p *Player) DrainZeroGain(id int, n int) error {
	frames := make([][]uint32, n)
	zg := awg.ZeroGainFrame()
	for i := range frames {
		frames[i] = zg
	}
	return p.loadAndDrain(id, frames)
}

func (p *Player) loadAndDrain(id int, frames [][]uint32) error {
	p.mu.Lock()
	l := p.lists[id]
	if err := l.Prepare(uint32(len(frames))); err != nil {
		p.mu.Unlock()
		return err
	}
	for _, f := range frames {
		if err := l.Push(f); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	other := 1 - id
	p.curList = id
	p.nextList = other
	p.curFrame = 0
	p.playing = true
	p.mu.Unlock()

	if p.publisher != nil {
		p.publisher.Set(id, frame.Ready)
	}

	for {
		p.mu.Lock()
		idle := p.lists[id].State() == frame.Idle
		p.mu.Unlock()
		if idle {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}
