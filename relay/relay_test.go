// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/patterns"
	"github.com/tiller-foundation/tiller/lib/screen"
	"github.com/tiller-foundation/tiller/relay"
)

// fakeSession scripts the screen. The script receives the capture call
// number (0 is the pre-submission capture) and a snapshot of everything
// submitted so far, and returns the frame to show. Every capture also
// signals the captured channel so tests can hand-step the clock.
type fakeSession struct {
	mu        sync.Mutex
	submitted []string
	calls     int
	script    func(call int, submitted []string) (string, error)
	captured  chan struct{}
}

func newFakeSession(script func(call int, submitted []string) (string, error)) *fakeSession {
	return &fakeSession{script: script, captured: make(chan struct{}, 128)}
}

func (s *fakeSession) SubmitLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, text)
	return nil
}

func (s *fakeSession) Capture() (string, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	submitted := append([]string(nil), s.submitted...)
	s.mu.Unlock()

	frame, err := s.script(call, submitted)
	select {
	case s.captured <- struct{}{}:
	default:
	}
	return frame, err
}

func (s *fakeSession) submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func (s *fakeSession) captureCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// lastSubmission returns the most recent submitted text, empty if none.
func (s *fakeSession) lastSubmission() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitted) == 0 {
		return ""
	}
	return s.submitted[len(s.submitted)-1]
}

// idleFrame is a settled screen showing the echoed submission and the
// agent's reply above a fresh prompt.
func idleFrame(echoed, reply string) string {
	return "> " + echoed + "\n\n" + reply + "\n\n> "
}

const testInterval = time.Second

func newTestArbiter(clk *clock.FakeClock, session *fakeSession, threshold int) *relay.Arbiter {
	library := patterns.Default()
	return &relay.Arbiter{
		Lock:      relay.NewSessionLock(clk, 0, nil),
		Handle:    relay.NewSessionHandle("agent"),
		Session:   session,
		Composer:  &relay.Composer{},
		Poller: &relay.Poller{
			Session:            session,
			Classifier:         screen.NewClassifier(library),
			Clock:              clk,
			Interval:           testInterval,
			StabilityThreshold: threshold,
		},
		Library:        library,
		Sanitizer:      screen.NewSanitizer(library),
		Clock:          clk,
		AcquireTimeout: 0,
		TurnTimeout:    120 * time.Second,
		ResetCommand:   "/clear",
		ResetTimeout:   30 * time.Second,
	}
}

func runTurn(t *testing.T, arbiter *relay.Arbiter, request relay.Request) <-chan relay.TurnResult {
	t.Helper()
	results := make(chan relay.TurnResult, 1)
	ctx := t.Context()
	go func() {
		results <- arbiter.RunTurn(ctx, request)
	}()
	return results
}
