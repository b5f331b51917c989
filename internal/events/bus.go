// ABOUTME: Event bus between framework threads and the pump goroutine
// ABOUTME: Queues State/Error/EOS/Tag events, de-duplicates error bursts, fans out to monitors
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Kind matches the numeric event codes of the C ABI
type Kind int

const (
	KindState Kind = 1
	KindError Kind = 2
	KindEOS   Kind = 3
	KindTag   Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindError:
		return "error"
	case KindEOS:
		return "eos"
	case KindTag:
		return "tag"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one lifecycle notification
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Handler receives events on the pump goroutine
type Handler func(Event)

const (
	// DedupWindow collapses identical errors arriving within it
	DedupWindow = time.Second
	// MaxPending bounds the producer queue; the oldest events drop first
	MaxPending = 1024
	// PumpBatch is the default number of events handled per pump
	PumpBatch = 128

	subscriberBuffer = 64
)

// Bus queues events from any goroutine and delivers them to a single
// handler when Pump runs
type Bus struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	log     zerolog.Logger
	pending []Event
	dropped int

	handler Handler

	lastErr   string
	lastErrAt time.Time
	repeat    int
	history   *Log

	subs map[int]chan Event
	next int
}

// NewBus creates a bus; history may be nil
func NewBus(clock clockwork.Clock, log zerolog.Logger, history *Log) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bus{
		clock:   clock,
		log:     log,
		history: history,
		subs:    make(map[int]chan Event),
	}
}

// SetHandler registers the single callback; nil clears it
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Post enqueues an event; safe from framework threads
func (b *Bus) Post(kind Kind, msg string) {
	ev := Event{ID: uuid.NewString(), Kind: kind, Message: msg, At: b.clock.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= MaxPending {
		b.pending = b.pending[1:]
		b.dropped++
	}
	b.pending = append(b.pending, ev)
}

// Pending returns the number of queued events
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pump delivers up to max queued events to the handler and subscribers.
// Identical error messages within DedupWindow are counted instead of
// delivered; the count is flushed as one summary line when the burst ends.
func (b *Bus) Pump(max int) int {
	if max <= 0 {
		max = PumpBatch
	}
	b.mu.Lock()
	n := min(max, len(b.pending))
	batch := make([]Event, n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	handler := b.handler
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if dropped > 0 {
		b.log.Warn().Int("dropped", dropped).Msg("Event queue overflow")
	}

	delivered := 0
	for _, ev := range batch {
		if ev.Kind == KindError && b.suppress(ev) {
			continue
		}
		b.fanout(ev)
		if handler != nil {
			handler(ev)
		}
		delivered++
	}
	b.flushBurst(false)
	return delivered
}

// suppress reports whether ev repeats the previous error inside the window
func (b *Bus) suppress(ev Event) bool {
	b.mu.Lock()
	same := ev.Message == b.lastErr && ev.At.Sub(b.lastErrAt) < DedupWindow
	if same {
		b.repeat++
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	b.flushBurst(true)

	b.mu.Lock()
	b.lastErr = ev.Message
	b.lastErrAt = ev.At
	b.mu.Unlock()
	b.log.Warn().Str("error", ev.Message).Msg("Audio event error")
	return false
}

// flushBurst logs the collapsed count once the burst has ended or a
// different error has arrived
func (b *Bus) flushBurst(force bool) {
	b.mu.Lock()
	if b.repeat == 0 || (!force && b.clock.Now().Sub(b.lastErrAt) < DedupWindow) {
		b.mu.Unlock()
		return
	}
	count, msg := b.repeat, b.lastErr
	b.repeat = 0
	b.mu.Unlock()

	b.log.Warn().Int("count", count).Str("error", msg).Msg("Audio event error suppressed")
	if b.history != nil {
		b.history.Append(fmt.Sprintf("Audio error suppressed x%d: %s", count, msg))
	}
}

// Subscribe returns a buffered channel of delivered events. Slow
// subscribers lose events rather than block the pump.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) fanout(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
