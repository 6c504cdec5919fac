// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "github.com/tiller-foundation/tiller/lib/tmux"

// Session is the relay's I/O surface onto the interactive agent
// process. Production code binds a tmux server and session name;
// tests substitute scripted captures.
type Session interface {
	// SubmitLine types text into the session and presses Enter.
	SubmitLine(text string) error
	// Capture returns the visible pane content.
	Capture() (string, error)
}

// TmuxSession binds a [tmux.Server] and a session name into a
// [Session].
type TmuxSession struct {
	server *tmux.Server
	name   string
}

// NewTmuxSession wraps the named session on server.
func NewTmuxSession(server *tmux.Server, name string) *TmuxSession {
	return &TmuxSession{server: server, name: name}
}

func (s *TmuxSession) SubmitLine(text string) error {
	return s.server.SubmitLine(s.name, text)
}

func (s *TmuxSession) Capture() (string, error) {
	return s.server.Capture(s.name)
}
