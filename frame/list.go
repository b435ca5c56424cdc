// Package frame implements the preload buffer the queued server fills and
// the ping-pong player drains: a growable, flattened word buffer with
// per-frame offset/count metadata and a small lifecycle state machine.
//
// A List has no lock of its own: it grows its word storage geometrically
// up to a caller-declared frame count and is fully freed, not wrapped,
// once the player finishes it. Callers (the player and the queued server)
// serialize access to a List under their own shared lock.
package frame

import (
	"errors"
	"fmt"
)

// State is a List's externally observable lifecycle state. Playing and
// Draining exist only as the player's current selection of a Ready list
// and are not states a List itself occupies.
type State int

const (
	// Idle means the list holds no preload and is available for a new
	// PreloadBegin.
	Idle State = iota
	// Loading means a preload is in progress; only the owning
	// connection may push frames.
	Loading
	// Ready means loadedFrames == totalFrames (or Finalize was called)
	// and the list is eligible for the player to select.
	Ready
)

// String renders a State the way it appears on the wire
// (LIST<id>:<IDLE|LOADING|READY>).
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

const (
	// MaxWordsPerFrame bounds a single frame's word count.
	MaxWordsPerFrame = 64
	// MaxTotalFrames bounds how many frames a single Prepare call may
	// declare.
	MaxTotalFrames = 2_000_000
	// wordsGrowStep is the geometric growth step for the words buffer,
	// matching the original's GROW_WORDS_STEP of 4096 words.
	wordsGrowStep = 4 * 1024
)

// Errors returned by List methods.
var (
	ErrInvalidArgument = errors.New("frame: invalid argument")
	ErrOverfull        = errors.New("frame: list is full")
)

// List is a single preload buffer: ordered frame offsets/counts into a
// flat, growable word buffer.
type List struct {
	offsets []uint32
	counts  []uint16
	words   []uint32

	totalFrames  uint32
	loadedFrames uint32
	state        State
}

// New returns an empty, Idle List.
func New() *List {
	return &List{}
}

// State reports the list's current lifecycle state.
func (l *List) State() State { return l.state }

// TotalFrames reports the frame count declared by the most recent Prepare.
func (l *List) TotalFrames() uint32 { return l.totalFrames }

// LoadedFrames reports how many frames have been pushed since the most
// recent Prepare.
func (l *List) LoadedFrames() uint32 { return l.loadedFrames }

// Prepare releases any prior storage, allocates fresh metadata for
// totalFrames frames, and sets state to Loading.
func (l *List) Prepare(totalFrames uint32) error {
	if totalFrames == 0 || totalFrames > MaxTotalFrames {
		return fmt.Errorf("%w: total_frames=%d out of range [1,%d]", ErrInvalidArgument, totalFrames, MaxTotalFrames)
	}
	l.reset()
	l.offsets = make([]uint32, 0, totalFrames)
	l.counts = make([]uint16, 0, totalFrames)
	l.totalFrames = totalFrames
	l.state = Loading
	return nil
}

// Push appends one frame's words. It finalizes the list to Ready as soon
// as loadedFrames reaches totalFrames; callers that need to react to that
// transition should check State() after Push returns true-ish (nil error
// and LoadedFrames() == TotalFrames()).
func (l *List) Push(words []uint32) error {
	if l.state != Idle && l.loadedFrames >= l.totalFrames {
		return fmt.Errorf("%w: loaded_frames already at total_frames=%d", ErrOverfull, l.totalFrames)
	}
	if l.state != Loading {
		return fmt.Errorf("%w: push on list in state %s", ErrInvalidArgument, l.state)
	}
	n := len(words)
	if n < 1 || n > MaxWordsPerFrame {
		return fmt.Errorf("%w: frame word count %d out of range [1,%d]", ErrInvalidArgument, n, MaxWordsPerFrame)
	}

	off := uint32(len(l.words))
	l.growWords(n)
	l.words = append(l.words, words...)
	l.offsets = append(l.offsets, off)
	l.counts = append(l.counts, uint16(n))
	l.loadedFrames++

	if l.loadedFrames == l.totalFrames {
		l.state = Ready
	}
	return nil
}

// growWords ensures capacity for n additional words using a geometric
// growth step, so large preloads don't cause an allocation per pushed
// frame.
func (l *List) growWords(n int) {
	need := len(l.words) + n
	if cap(l.words) >= need {
		return
	}
	newCap := cap(l.words)
	if newCap == 0 {
		newCap = wordsGrowStep
	}
	for newCap < need {
		newCap += wordsGrowStep
	}
	grown := make([]uint32, len(l.words), newCap)
	copy(grown, l.words)
	l.words = grown
}

// Finalize marks the list Ready. Calling Finalize on an already-Ready list
// is a silent no-op, so repeated PreloadEnd calls are idempotent rather
// than erroring.
func (l *List) Finalize() error {
	if l.state == Ready {
		return nil
	}
	if l.loadedFrames == 0 {
		return fmt.Errorf("%w: finalize with zero loaded frames", ErrInvalidArgument)
	}
	l.state = Ready
	return nil
}

// Clear frees all storage and resets the list to Idle.
func (l *List) Clear() {
	l.reset()
}

func (l *List) reset() {
	l.offsets = nil
	l.counts = nil
	l.words = nil
	l.totalFrames = 0
	l.loadedFrames = 0
	l.state = Idle
}

// Get returns a borrowed slice of the i'th frame's words, without copying.
// The borrow is valid only until the next Clear or Prepare call on this
// list; package player guarantees Clear never runs concurrently with a
// read of this slice.
func (l *List) Get(i uint32) ([]uint32, error) {
	if i >= l.loadedFrames {
		return nil, fmt.Errorf("%w: frame index %d >= loaded_frames %d", ErrInvalidArgument, i, l.loadedFrames)
	}
	off := l.offsets[i]
	cnt := l.counts[i]
	return l.words[off : off+uint32(cnt)], nil
}

// WordsUsed reports the number of words currently stored, i.e. the sum of
// counts[0:loadedFrames].
func (l *List) WordsUsed() uint32 {
	return uint32(len(l.words))
}
