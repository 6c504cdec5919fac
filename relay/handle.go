// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"
)

// SessionHandle tracks the mutable state of the one agent session:
// which working context is loaded and when the session last did
// anything. The tmux session itself is addressed by name through
// [Session]; the handle only carries relay-side bookkeeping.
type SessionHandle struct {
	name string

	mu            sync.Mutex
	loadedContext string
	lastActivity  time.Time
}

// NewSessionHandle creates a handle for the named session with no
// loaded context.
func NewSessionHandle(name string) *SessionHandle {
	return &SessionHandle{name: name}
}

// Name returns the session name.
func (h *SessionHandle) Name() string { return h.name }

// LoadedContext reports which working context the session currently
// has loaded. Empty means fresh or just reset.
func (h *SessionHandle) LoadedContext() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadedContext
}

// SetLoadedContext records a context switch.
func (h *SessionHandle) SetLoadedContext(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadedContext = id
}

// Touch records session activity at t.
func (h *SessionHandle) Touch(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = t
}

// LastActivity returns the most recent Touch time, zero if never.
func (h *SessionHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}
