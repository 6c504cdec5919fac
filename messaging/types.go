// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// NewTextMessage creates an m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewNoticeMessage creates an m.notice message. Notices are for
// automated senders; well-behaved bots ignore them, which prevents
// relay status messages from triggering other automation.
func NewNoticeMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.notice", Body: body}
}

// Event is a room timeline event.
type Event struct {
	EventID string         `json:"event_id"`
	Sender  string         `json:"sender"`
	Type    string         `json:"type"`
	Content MessageContent `json:"content"`
}

// SyncResponse is the subset of /sync the relay consumes.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection holds per-room sync data, keyed by room ID.
type RoomsSection struct {
	Join map[string]JoinedRoom `json:"join"`
}

// JoinedRoom is the sync payload for one joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection is new timeline events since the last sync.
type TimelineSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned when an event is sent.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// ResolveAliasResponse maps a room alias to its room ID.
type ResolveAliasResponse struct {
	RoomID string `json:"room_id"`
}

// WhoAmIResponse identifies the token's account.
type WhoAmIResponse struct {
	UserID string `json:"user_id"`
}

// JoinRoomResponse is returned when joining a room.
type JoinRoomResponse struct {
	RoomID string `json:"room_id"`
}
