// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tiller-foundation/tiller/lib/secret"
)

// DefaultMaxMessageBytes caps outbound message bodies when
// SessionConfig.MaxMessageBytes is zero. Matrix rejects events near
// 64 KiB; 16 KiB leaves comfortable headroom for the event envelope.
const DefaultMaxMessageBytes = 16384

// SessionConfig holds configuration for creating a Session.
type SessionConfig struct {
	// Client is the homeserver connection. Required.
	Client *Client
	// AccessToken authenticates all requests. Required.
	AccessToken *secret.Buffer
	// MaxMessageBytes caps the body size of a single outbound
	// message; longer bodies are split on line boundaries.
	// Default: DefaultMaxMessageBytes.
	MaxMessageBytes int
	// Logger is used for structured logging. Nil discards.
	Logger *slog.Logger
}

// Session is an authenticated Matrix session. Safe for concurrent use.
type Session struct {
	client          *Client
	accessToken     *secret.Buffer
	maxMessageBytes int
	logger          *slog.Logger
}

// NewSession creates an authenticated session on a client.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("messaging: Client is required")
	}
	if config.AccessToken == nil {
		return nil, fmt.Errorf("messaging: AccessToken is required")
	}
	maxBytes := config.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		client:          config.Client,
		accessToken:     config.AccessToken,
		maxMessageBytes: maxBytes,
		logger:          logger,
	}, nil
}

// WhoAmI verifies the access token and returns its user ID.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, "GET", "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: whoami: %w", err)
	}
	var decoded WhoAmIResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("messaging: parsing whoami response: %w", err)
	}
	return decoded.UserID, nil
}

// ResolveAlias resolves a room alias (#room:server) to its room ID.
// Room IDs pass through unchanged.
func (s *Session) ResolveAlias(ctx context.Context, roomAliasOrID string) (string, error) {
	if !strings.HasPrefix(roomAliasOrID, "#") {
		return roomAliasOrID, nil
	}
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(roomAliasOrID)
	body, err := s.client.doRequest(ctx, "GET", path, s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: resolving alias %s: %w", roomAliasOrID, err)
	}
	var decoded ResolveAliasResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("messaging: parsing alias response: %w", err)
	}
	return decoded.RoomID, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
// Joining an already-joined room is a no-op on the server.
func (s *Session) JoinRoom(ctx context.Context, roomAliasOrID string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomAliasOrID)
	body, err := s.client.doRequest(ctx, "POST", path, s.accessToken, struct{}{})
	if err != nil {
		return "", fmt.Errorf("messaging: joining room %s: %w", roomAliasOrID, err)
	}
	var decoded JoinRoomResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("messaging: parsing join response: %w", err)
	}
	return decoded.RoomID, nil
}

// SendText sends an m.text message, splitting bodies that exceed the
// session's message size cap. Returns the event ID of the last chunk.
func (s *Session) SendText(ctx context.Context, roomID, body string) (string, error) {
	return s.sendChunked(ctx, roomID, body, NewTextMessage)
}

// SendNotice sends an m.notice message. Notices carry relay status
// (busy, timed out, errors) so other bots do not react to them.
func (s *Session) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	return s.sendChunked(ctx, roomID, body, NewNoticeMessage)
}

func (s *Session) sendChunked(ctx context.Context, roomID, body string, build func(string) MessageContent) (string, error) {
	chunks := splitMessage(body, s.maxMessageBytes)
	if len(chunks) > 1 {
		s.logger.Debug("splitting oversized message",
			"room_id", roomID, "bytes", len(body), "chunks", len(chunks))
	}

	var lastEventID string
	for _, chunk := range chunks {
		eventID, err := s.sendEvent(ctx, roomID, build(chunk))
		if err != nil {
			return "", err
		}
		lastEventID = eventID
	}
	return lastEventID, nil
}

func (s *Session) sendEvent(ctx context.Context, roomID string, content MessageContent) (string, error) {
	// A fresh transaction ID per call: the relay never retries sends
	// itself, so idempotency keys only need to be unique.
	txnID := uuid.NewString()
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + url.PathEscape(txnID)
	body, err := s.client.doRequest(ctx, "PUT", path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("messaging: sending message to %s: %w", roomID, err)
	}
	var decoded SendEventResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("messaging: parsing send response: %w", err)
	}
	return decoded.EventID, nil
}

// Sync long-polls the homeserver for new events. since is the batch
// token from the previous sync, empty for an initial sync.
// timeoutMillis is how long the server may hold the request open; the
// request context should allow comfortably more.
func (s *Session) Sync(ctx context.Context, since string, timeoutMillis int) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if timeoutMillis > 0 {
		query.Set("timeout", strconv.Itoa(timeoutMillis))
	}

	body, err := s.client.doRequest(ctx, "GET", "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync: %w", err)
	}
	var decoded SyncResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("messaging: parsing sync response: %w", err)
	}
	return &decoded, nil
}

// splitMessage breaks a body into chunks of at most maxBytes,
// preferring line boundaries. A single line longer than maxBytes is
// split mid-line at a byte boundary.
func splitMessage(body string, maxBytes int) []string {
	if len(body) <= maxBytes {
		return []string{body}
	}

	var chunks []string
	var current strings.Builder
	for _, line := range strings.SplitAfter(body, "\n") {
		for len(line) > maxBytes {
			if current.Len() > 0 {
				chunks = append(chunks, strings.TrimSuffix(current.String(), "\n"))
				current.Reset()
			}
			chunks = append(chunks, line[:maxBytes])
			line = line[maxBytes:]
		}
		if current.Len()+len(line) > maxBytes {
			chunks = append(chunks, strings.TrimSuffix(current.String(), "\n"))
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSuffix(current.String(), "\n"))
	}
	return chunks
}
