// ABOUTME: Reader-side view of the spectrum stream used by the render tick
// ABOUTME: Tracks the seq cursor, detects timeline resets and interpolates frames
package spectrum

import "sync"

const (
	// BackwardJump is how far a new frame may land behind the tail before
	// the view is treated as a new timeline
	BackwardJump = 0.08
	// History is how many seconds behind the playhead are kept
	History = 4.0

	minKeep   = 4
	maxQueued = MaxCapacity
)

type point struct {
	pos  float64
	mags []float32
}

// Timeline is the consumer's local queue of frames ordered by position
type Timeline struct {
	mu     sync.Mutex
	queue  []point
	cursor uint64
	resets int
}

// NewTimeline creates an empty view
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Cursor is the highest seq consumed so far
func (t *Timeline) Cursor() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Len returns the queued frame count
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Resets counts backward-jump and rollback resets
func (t *Timeline) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Reset drops the queue and rewinds the cursor
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = t.queue[:0]
	t.cursor = 0
}

// Ingest folds a drained batch into the view. cur is the playhead used to
// trim history. A seq lower than the cursor means the producer restarted, so
// the cursor and queue start over. It returns the number of frames queued.
func (t *Timeline) Ingest(frames []Frame, cur float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, f := range frames {
		if len(f.Magnitudes) == 0 {
			continue
		}
		if f.Seq < t.cursor {
			t.cursor = 0
			t.queue = t.queue[:0]
			t.resets++
		}
		if f.Seq > t.cursor {
			t.cursor = f.Seq
		}
		if t.appendLocked(f.Pos, f.Magnitudes, cur) {
			added++
		}
	}
	return added
}

// appendLocked drops negative positions, clears the queue on a backward
// jump at the tail, then trims frames older than cur-History while more than a few remain.
func (t *Timeline) appendLocked(pos float64, mags []float32, cur float64) bool {
	if pos < 0 {
		return false
	}
	if n := len(t.queue); n > 0 && pos < t.queue[n-1].pos-BackwardJump {
		t.queue = t.queue[:0]
		t.resets++
	}
	t.queue = append(t.queue, point{pos: pos, mags: mags})
	if len(t.queue) > maxQueued {
		t.queue = t.queue[len(t.queue)-maxQueued:]
	}
	floor := max(0, cur-History)
	drop := 0
	for len(t.queue)-drop > minKeep && t.queue[drop].pos < floor {
		drop++
	}
	if drop > 0 {
		t.queue = append(t.queue[:0], t.queue[drop:]...)
	}
	return true
}

// Tail returns the position of the newest queued frame
func (t *Timeline) Tail() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return 0, false
	}
	return t.queue[len(t.queue)-1].pos, true
}

// SampleAt interpolates linearly between the last frame at or before target
// and the first after it. With only a later frame the oldest frame is
// returned; with only an earlier one that frame is returned.
func (t *Timeline) SampleAt(target float64) []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	var prev, next *point
	for i := range t.queue {
		p := &t.queue[i]
		if p.pos <= target {
			prev = p
			continue
		}
		next = p
		break
	}
	if prev == nil {
		return clone(t.queue[0].mags)
	}
	if next == nil || next.pos <= prev.pos {
		return clone(prev.mags)
	}
	w := (target - prev.pos) / (next.pos - prev.pos)
	w = min(1, max(0, w))
	n := min(len(prev.mags), len(next.mags))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(float64(prev.mags[i])*(1-w) + float64(next.mags[i])*w)
	}
	return out
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
