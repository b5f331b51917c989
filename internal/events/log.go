// ABOUTME: Bounded operational event log shown in diagnostics
// ABOUTME: Keeps the most recent entries as "15:04:05 | text" lines
package events

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LogCapacity is the number of entries kept
const LogCapacity = 50

// Log is a bounded, concurrency-safe deque of human-readable entries
type Log struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries []string
}

// NewLog creates an empty log
func NewLog(clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{clock: clock}
}

// Append adds an entry, dropping the oldest beyond LogCapacity
func (l *Log) Append(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, l.clock.Now().Format(time.TimeOnly)+" | "+text)
	if over := len(l.entries) - LogCapacity; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

// Entries returns a copy of all entries, oldest first
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Tail returns up to n most recent entries, oldest first
func (l *Log) Tail(n int) []string {
	all := l.Entries()
	if n <= 0 {
		return nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}
