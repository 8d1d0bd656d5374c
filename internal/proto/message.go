package proto

import (
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

const (
	ActionSubscribe   = "subscribe"
	ActionSendMessage = "sendMessage"

	ActionSubscribed      = "subscribed"
	ActionResponse        = "response"
	ActionMessageReceived = "messageReceived"
	ActionError           = "error"

	// TimestampLayout is ISO-8601 with millisecond precision, always UTC.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Inbound is a frame sent by the client over the websocket.
type Inbound struct {
	Action  string `json:"action" validate:"required,oneof=subscribe sendMessage"`
	GroupID string `json:"groupId" validate:"required,max=128"`
	UserID  string `json:"userId" validate:"required,max=128"`
	Message string `json:"message,omitempty"`
}

// MessageEvent is one message of a group's log as seen by clients.
type MessageEvent struct {
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Envelope is the broadcast payload. Exactly one of Message and Messages is set.
type Envelope struct {
	Action   string         `json:"action"`
	GroupID  string         `json:"groupId"`
	Message  *MessageEvent  `json:"message,omitempty"`
	Messages []MessageEvent `json:"messages,omitempty"`
}

// Subscribed acknowledges a subscribe frame.
type Subscribed struct {
	Action       string `json:"action"`
	GroupID      string `json:"groupId"`
	ConnectionID string `json:"connectionId"`
}

// ResponseBody mirrors the REST response body.
type ResponseBody struct {
	Message string `json:"message"`
}

// Response answers a sendMessage frame.
type Response struct {
	Action     string       `json:"action"`
	StatusCode int          `json:"statusCode"`
	Body       ResponseBody `json:"body"`
}

// ErrorFrame reports a malformed or rejected frame.
type ErrorFrame struct {
	Action string `json:"action"`
	Error  *Error `json:"error"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewMessageEvent converts a stored entry.
func NewMessageEvent(e store.MessageEntry) MessageEvent {
	return MessageEvent{
		UserID:    e.UserID,
		Message:   e.Text,
		Timestamp: FormatTimestamp(e.Timestamp),
	}
}

// NewMessageEvents converts a stored log, preserving order.
func NewMessageEvents(entries []store.MessageEntry) []MessageEvent {
	out := make([]MessageEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewMessageEvent(e))
	}
	return out
}

// NewMessageEnvelope carries only the new entry.
func NewMessageEnvelope(groupID string, entry store.MessageEntry) Envelope {
	ev := NewMessageEvent(entry)
	return Envelope{Action: ActionMessageReceived, GroupID: groupID, Message: &ev}
}

// FullLogEnvelope carries the whole post-append log.
func FullLogEnvelope(groupID string, entries []store.MessageEntry) Envelope {
	return Envelope{Action: ActionMessageReceived, GroupID: groupID, Messages: NewMessageEvents(entries)}
}
