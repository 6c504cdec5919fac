// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a temporary directory directly under /tmp, suitable
// for Unix domain sockets. Unix sockets have a 108-byte path limit
// (sun_path in sockaddr_un) and t.TempDir() can sit under deeply nested
// build-system paths that exceed it. The directory is removed when the
// test completes.
func SocketDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("/tmp", "tiller-test-")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
