// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"strings"
	"sync"
)

// Exchange is one completed request/response pair kept for prompt
// continuity.
type Exchange struct {
	Request  string
	Response string
}

// RecentBuffer is a bounded ring of the latest completed exchanges,
// oldest evicted first. Safe for concurrent use; the arbiter appends
// after each completed turn and the composer renders on the next.
type RecentBuffer struct {
	mu       sync.Mutex
	entries  []Exchange
	capacity int
}

// NewRecentBuffer creates a buffer holding up to capacity exchanges.
// Capacity <= 0 means the buffer stays empty.
func NewRecentBuffer(capacity int) *RecentBuffer {
	return &RecentBuffer{capacity: capacity}
}

// Add appends an exchange, evicting the oldest when full.
func (b *RecentBuffer) Add(request, response string) {
	if b.capacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Exchange{Request: request, Response: response})
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Len reports how many exchanges are buffered.
func (b *RecentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Render formats the buffered exchanges oldest-first for inclusion in
// a composed prompt. Empty when nothing is buffered.
func (b *RecentBuffer) Render() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range b.entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("user: ")
		sb.WriteString(e.Request)
		sb.WriteString("\nagent: ")
		sb.WriteString(e.Response)
		sb.WriteString("\n")
	}
	return sb.String()
}
