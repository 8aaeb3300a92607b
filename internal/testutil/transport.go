// Package testutil provides deterministic collaborators for tests: a
// stepping clock and a scripted transport.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/corrin/jobsync/internal/transport"
)

// Step scripts one Save call.
type Step struct {
	Resp transport.Response
	Err  error
	// Block, if set, holds the call until it is closed (or the context is
	// done), to keep a write in flight.
	Block chan struct{}
	// Started, if set, is closed when the call begins.
	Started chan struct{}
}

// ScriptedTransport replays Steps in order. Once the script is exhausted
// every call succeeds with version token "v<call number + 1>".
//
// Thread-safety: safe for concurrent use.
type ScriptedTransport struct {
	mu          sync.Mutex
	steps       []Step
	calls       []transport.Request
	inFlight    int
	maxInFlight int
}

// NewScriptedTransport creates a transport that replays steps.
func NewScriptedTransport(steps ...Step) *ScriptedTransport {
	return &ScriptedTransport{steps: steps}
}

// Push appends steps to the script.
func (s *ScriptedTransport) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Save implements transport.Transport.
func (s *ScriptedTransport) Save(ctx context.Context, req transport.Request) (transport.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	step := Step{Resp: transport.Response{VersionToken: fmt.Sprintf("v%d", n+1)}}
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if step.Started != nil {
		close(step.Started)
	}
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return transport.Response{}, transport.ContextError(ctx.Err())
		}
	}
	return step.Resp, step.Err
}

// Calls returns a copy of every request received.
func (s *ScriptedTransport) Calls() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Request(nil), s.calls...)
}

// CallCount returns the number of requests received.
func (s *ScriptedTransport) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (s *ScriptedTransport) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}
