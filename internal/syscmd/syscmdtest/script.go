// ABOUTME: Scriptable Runner used by tests of the command-surface packages
// ABOUTME: Responses are keyed by the full command line and may change over successive calls
package syscmdtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// Response is one canned command result
type Response struct {
	Out string
	Err error
}

// Script maps command lines to responses. A line with several responses
// returns them in order and then keeps returning the last one.
type Script struct {
	mu        sync.Mutex
	responses map[string][]Response
	hooks     map[string]func()
	calls     []string
}

// New creates an empty script. Unknown commands fail with syscmd.ErrNotFound.
func New() *Script {
	return &Script{
		responses: make(map[string][]Response),
		hooks:     make(map[string]func()),
	}
}

// On appends a response for the command line
func (s *Script) On(line string, out string, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[line] = append(s.responses[line], Response{Out: out, Err: err})
	return s
}

// Set replaces every queued response for the command line
func (s *Script) Set(line string, out string, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[line] = []Response{{Out: out, Err: err}}
	return s
}

// Hook runs fn after each call of the command line, before the response is returned
func (s *Script) Hook(line string, fn func()) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[line] = fn
	return s
}

// Run implements syscmd.Runner
func (s *Script) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := syscmd.Line(name, args...)

	s.mu.Lock()
	s.calls = append(s.calls, line)
	queue, ok := s.responses[line]
	var resp Response
	if ok && len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			s.responses[line] = queue[1:]
		}
	}
	hook := s.hooks[line]
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, syscmd.ErrNotFound)
	}
	return []byte(resp.Out), resp.Err
}

// Calls returns every command line seen so far
func (s *Script) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times the command line ran
func (s *Script) Count(line string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == line {
			n++
		}
	}
	return n
}
