// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/tiller-foundation/tiller/lib/testutil"
)

// NewTestServer creates an isolated tmux server for testing:
//
//   - a short /tmp socket path (108-byte sun_path limit)
//   - -f /dev/null so the user's ~/.tmux.conf is never loaded
//   - a _guard session running "sleep infinity", because tmux exits
//     when its last session ends
//   - t.Cleanup kills the server
//
// Tests skip when no tmux binary is installed. All test tmux commands
// must go through the returned Server: a bare "tmux" without -S
// targets the default server, which may be the developer's own.
func NewTestServer(t *testing.T) *Server {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "tmux.sock")
	server := NewServer(socketPath, "/dev/null")

	if err := server.NewSession("_guard", "sleep", "infinity"); err != nil {
		t.Fatalf("start tmux test server: %v", err)
	}

	t.Cleanup(func() {
		server.KillServer()
	})

	return server
}
