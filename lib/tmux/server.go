// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to the dedicated tmux server
// that hosts the interactive agent session. Tiller runs its own server
// (never the user's personal tmux): all commands target a specific
// Unix socket, injected via -S on every invocation, and new sessions
// load -f /dev/null so ~/.tmux.conf can't alter behavior.
//
// The agent has no structured API — its only input channel is
// send-keys and its only output channel is capture-pane. SendText and
// Capture are therefore the relay's entire I/O surface.
package tmux

import (
	"fmt"
	"os/exec"
	"strings"
)

// Server represents a tmux server identified by its Unix socket path.
type Server struct {
	socketPath string
	configFile string
}

// NewServer returns a Server targeting socketPath. configFile is
// passed as -f on new-session; pass "/dev/null" (the production and
// test default) to prevent loading the user's tmux configuration.
func NewServer(socketPath, configFile string) *Server {
	return &Server{socketPath: socketPath, configFile: configFile}
}

// SocketPath returns the socket path identifying this server.
func (s *Server) SocketPath() string { return s.socketPath }

// Run executes a tmux subcommand on this server and returns its
// combined output. The -S flag is prepended automatically.
func (s *Server) Run(args ...string) (string, error) {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	command := exec.Command("tmux", fullArgs...)
	output, err := command.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// NewSession creates a detached session running the given command, or
// the default shell when command is empty. The -f flag is passed here
// because new-session may start the server, and only server start
// reads the config file.
func (s *Server) NewSession(sessionName string, command ...string) error {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", sessionName)
	args = append(args, command...)

	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// HasSession reports whether the named session exists. False when the
// server is not running.
func (s *Server) HasSession(sessionName string) bool {
	cmd := exec.Command("tmux", "-S", s.socketPath, "has-session", "-t", sessionName)
	return cmd.Run() == nil
}

// KillSession terminates the named session. A session that is already
// gone (or a server that is not running) is a normal cleanup
// condition, not an error.
func (s *Server) KillSession(sessionName string) error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-session", "-t", sessionName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "can't find session") ||
			strings.Contains(outputString, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)", sessionName, err, outputString)
	}
	return nil
}

// KillServer stops the whole server. Already-stopped servers are a
// normal cleanup condition, not an error.
func (s *Server) KillServer() error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-server")
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "server exited unexpectedly") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, outputString)
	}
	return nil
}

// SendText types text into the named session literally (-l suppresses
// key-name interpretation, so "Enter" in the text doesn't submit).
// No newline is appended; pair with SubmitEnter, or use SubmitLine.
func (s *Server) SendText(sessionName, text string) error {
	_, err := s.Run("send-keys", "-t", sessionName, "-l", text)
	return err
}

// SubmitEnter presses Enter in the named session.
func (s *Server) SubmitEnter(sessionName string) error {
	_, err := s.Run("send-keys", "-t", sessionName, "Enter")
	return err
}

// SubmitLine types text and presses Enter. This is the relay's normal
// submission path for prompts below the inline-size threshold; the
// composer keeps submissions short precisely because line-based input
// is the only channel the interactive session has.
func (s *Server) SubmitLine(sessionName, text string) error {
	if err := s.SendText(sessionName, text); err != nil {
		return err
	}
	return s.SubmitEnter(sessionName)
}

// Capture returns the visible contents of the session's active pane.
// Control sequences are not included (-e is deliberately omitted); the
// screen package strips any that arrive embedded in the text anyway.
func (s *Server) Capture(sessionName string) (string, error) {
	return s.Run("capture-pane", "-t", sessionName, "-p")
}

// CaptureHistory returns the pane's scrollback plus visible content,
// limited to the last maxLines lines (0 = no limit).
func (s *Server) CaptureHistory(sessionName string, maxLines int) (string, error) {
	output, err := s.Run("capture-pane", "-t", sessionName, "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}
	if maxLines <= 0 {
		return output, nil
	}
	return tail(output, maxLines), nil
}

// tail returns the last n lines of s, with tail -n semantics: a
// trailing newline terminates the final line rather than starting a
// new one.
func tail(s string, n int) string {
	if len(s) == 0 {
		return s
	}
	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}
	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
