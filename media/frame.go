package media

import (
	"sync/atomic"
	"time"
)

// Frame is a raw RGB24 raster plus the time it was captured.
// Data holds Width*Height*3 bytes in row-major R,G,B order.
type Frame struct {
	Width      int
	Height     int
	Data       []byte
	CapturedAt time.Time
}

// Valid reports whether the frame geometry matches its pixel buffer.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) >= f.Width*f.Height*3
}

// FrameSlot is a single-slot latest-wins handoff between one producer and one
// consumer. A new frame overwrites an unconsumed previous one, so the consumer
// never sees a frame more than one frame stale and memory stays bounded no
// matter how fast the producer runs.
type FrameSlot struct {
	cur    atomic.Pointer[Frame]
	drops  atomic.Uint64
	notify chan struct{}
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{notify: make(chan struct{}, 1)}
}

// Put stores f as the pending frame, replacing any frame the consumer has not
// taken yet. It never blocks.
func (s *FrameSlot) Put(f *Frame) {
	if f == nil {
		return
	}
	if prev := s.cur.Swap(f); prev != nil {
		s.drops.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending frame, or nil when the slot is empty.
func (s *FrameSlot) Take() *Frame {
	return s.cur.Swap(nil)
}

// Ready returns a channel that receives a signal when a frame is pending.
// The signal is coalesced; after waking, drain the slot with Take.
func (s *FrameSlot) Ready() <-chan struct{} {
	return s.notify
}

// Dropped reports how many frames were overwritten before being consumed.
func (s *FrameSlot) Dropped() uint64 {
	return s.drops.Load()
}
