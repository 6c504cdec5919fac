// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tiller-foundation/tiller/relay"
)

// TurnRunner runs one relay turn. Implemented by relay.Arbiter.
type TurnRunner interface {
	RunTurn(ctx context.Context, request relay.Request) relay.TurnResult
}

// RoomSender is the send surface the gateway needs from a Session.
type RoomSender interface {
	SendText(ctx context.Context, roomID, body string) (string, error)
	SendNotice(ctx context.Context, roomID, body string) (string, error)
}

// GatewayConfig holds configuration for creating a Gateway.
type GatewayConfig struct {
	// Runner executes turns. Required.
	Runner TurnRunner
	// Sender posts responses back to the room. Required.
	Sender RoomSender
	// RoomID is the room responses are posted to. Required.
	RoomID string
	// ContextID is the working context attached to conversational
	// turns from this room. Required.
	ContextID string
	// Logger is used for structured logging. Nil discards.
	Logger *slog.Logger
}

// Gateway bridges room messages and relay turns: each inbound message
// becomes a conversational turn, and the turn's outcome is posted
// back. Successful responses go out as m.text; every failure outcome
// goes out as an m.notice so the room always learns what happened.
type Gateway struct {
	runner    TurnRunner
	sender    RoomSender
	roomID    string
	contextID string
	logger    *slog.Logger
}

// NewGateway creates a gateway.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if config.Runner == nil {
		return nil, fmt.Errorf("messaging: Runner is required")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("messaging: Sender is required")
	}
	if config.RoomID == "" {
		return nil, fmt.Errorf("messaging: RoomID is required")
	}
	if config.ContextID == "" {
		return nil, fmt.Errorf("messaging: ContextID is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		runner:    config.Runner,
		sender:    config.Sender,
		roomID:    config.RoomID,
		contextID: config.ContextID,
		logger:    logger,
	}, nil
}

// HandleMessage runs a turn for one inbound message and posts the
// result. Intended as a RoomWatcher handler.
func (g *Gateway) HandleMessage(ctx context.Context, event Event) {
	g.logger.Info("inbound message",
		"event_id", event.EventID, "sender", event.Sender)

	result := g.runner.RunTurn(ctx, relay.Request{
		Kind:        relay.Conversational,
		ContextID:   g.contextID,
		Destination: g.roomID,
		Text:        event.Content.Body,
	})
	g.postResult(ctx, g.roomID, result)
}

// PostResult publishes a turn result. Exported for the job scheduler,
// which runs turns outside the message path and may direct output to a
// room other than the gateway's own. An empty roomID posts to the
// gateway's configured room.
func (g *Gateway) PostResult(ctx context.Context, roomID string, result relay.TurnResult) {
	if roomID == "" {
		roomID = g.roomID
	}
	g.postResult(ctx, roomID, result)
}

func (g *Gateway) postResult(ctx context.Context, roomID string, result relay.TurnResult) {
	body, notice := renderResult(result)
	if body == "" {
		return
	}

	var err error
	if notice {
		_, err = g.sender.SendNotice(ctx, roomID, body)
	} else {
		_, err = g.sender.SendText(ctx, roomID, body)
	}
	if err != nil {
		g.logger.Error("posting turn result failed",
			"turn_id", result.TurnID, "outcome", result.Outcome,
			"room_id", roomID, "error", err)
	}
}

// PostNotice publishes a status line to the room, for progress
// notices and operational messages outside any turn.
func (g *Gateway) PostNotice(ctx context.Context, body string) {
	if _, err := g.sender.SendNotice(ctx, g.roomID, body); err != nil {
		g.logger.Error("posting notice failed", "error", err)
	}
}

// renderResult maps a turn outcome to a message body and whether it
// should be a notice rather than text.
func renderResult(result relay.TurnResult) (body string, notice bool) {
	switch result.Outcome {
	case relay.OutcomeCompleted:
		return result.Text, false
	case relay.OutcomeBusy:
		return "The agent is busy with another request. Try again shortly.", true
	case relay.OutcomeTimedOut:
		body := "The agent did not finish in time."
		if result.Text != "" {
			body += " Partial output:\n" + result.Text
		}
		return body, true
	case relay.OutcomePermissionBlocked:
		body := "The agent is waiting on a permission prompt and needs operator attention."
		if result.Text != "" {
			body += "\n" + result.Text
		}
		return body, true
	case relay.OutcomeErrored:
		return "The agent hit an error while handling the request.", true
	case relay.OutcomeEmpty:
		return "The agent produced no response.", true
	case relay.OutcomeContextResetFailed:
		return "Switching working context failed; the request was not run.", true
	default:
		return fmt.Sprintf("Turn ended with unexpected outcome %q.", result.Outcome), true
	}
}
