// ABOUTME: Fixed-capacity ring of timestamped spectrum frames
// ABOUTME: Producer-serialized pushes with lock-free drains for readers
package spectrum

import (
	"sort"
	"sync"
	"sync/atomic"
)

const (
	// MaxBands is the widest frame the ring stores
	MaxBands = 128
	// MaxCapacity bounds the ring size
	MaxCapacity = 1024
	// DefaultCapacity holds about 15 s of frames at a 30 ms interval
	DefaultCapacity = 512
)

// Frame is one magnitude vector stamped with its media position
type Frame struct {
	Seq        uint64    `json:"seq"`
	Pos        float64   `json:"pos"`
	Magnitudes []float32 `json:"magnitudes"`
}

// Ring stores the most recent frames, overwriting the oldest when full.
// Push and Reset are serialized against each other; DrainSince, Latest and
// Len never take a lock. Stored frames are immutable.
type Ring struct {
	wmu   sync.Mutex
	slots []atomic.Pointer[Frame]
	next  atomic.Uint64 // last assigned seq
	write atomic.Uint64 // pushes since the last reset

	overwritten atomic.Uint64
}

// NewRing creates a ring; capacity is clamped to [1, MaxCapacity]
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Ring{slots: make([]atomic.Pointer[Frame], capacity)}
}

// Cap returns the slot count
func (r *Ring) Cap() int { return len(r.slots) }

// Push stores a copy of mags (truncated to MaxBands) and returns its seq
func (r *Ring) Push(pos float64, mags []float32) uint64 {
	if len(mags) > MaxBands {
		mags = mags[:MaxBands]
	}
	vals := make([]float32, len(mags))
	copy(vals, mags)

	r.wmu.Lock()
	defer r.wmu.Unlock()

	seq := r.next.Add(1)
	w := r.write.Load()
	idx := w % uint64(len(r.slots))
	if r.slots[idx].Load() != nil {
		r.overwritten.Add(1)
	}
	r.slots[idx].Store(&Frame{Seq: seq, Pos: pos, Magnitudes: vals})
	r.write.Store(w + 1)
	return seq
}

// Reset clears the ring and restarts sequence numbering so the next push gets seq 1
func (r *Ring) Reset() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	for i := range r.slots {
		r.slots[i].Store(nil)
	}
	r.write.Store(0)
	r.next.Store(0)
}

// Seq returns the last assigned sequence number
func (r *Ring) Seq() uint64 { return r.next.Load() }

// Len returns how many frames are currently stored
func (r *Ring) Len() int {
	w := r.write.Load()
	if w > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(w)
}

// Overwritten counts frames evicted before being replaced
func (r *Ring) Overwritten() uint64 { return r.overwritten.Load() }

// DrainSince returns frames with seq > floor, oldest first, at most max.
// The ring is not consumed; readers advance their own floor.
func (r *Ring) DrainSince(floor uint64, max int) []Frame {
	if max <= 0 {
		return nil
	}
	out := make([]Frame, 0, min(max, len(r.slots)))
	for i := range r.slots {
		f := r.slots[i].Load()
		if f == nil || f.Seq <= floor {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Latest returns the newest frame
func (r *Ring) Latest() (Frame, bool) {
	w := r.write.Load()
	if w == 0 {
		return Frame{}, false
	}
	f := r.slots[(w-1)%uint64(len(r.slots))].Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}
