// Package server provides the WebSocket server for paired devices.
// It gates every route behind token validation, maintains the registry
// of live device sessions, and relays playback-position updates between
// devices.
package server

import (
	"time"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeSessionHello is the first server-sent message after a
	// successful upgrade. It carries the assigned session identifier.
	// Payload: SessionHelloPayload
	MessageTypeSessionHello MessageType = "session.hello"

	// MessageTypeSessionStatus sends session lifecycle updates to clients
	// (another device connected or disconnected).
	// Payload: SessionStatusPayload
	MessageTypeSessionStatus MessageType = "session.status"

	// MessageTypePlaybackPosition syncs the playback position between
	// devices. Sent by the playing device, relayed to every other session.
	// Payload: PlaybackPositionPayload
	MessageTypePlaybackPosition MessageType = "playback.position"

	// MessageTypeError sends error information to clients.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"

	// MessageTypeHeartbeat is used to keep the connection alive.
	// Payload: none (empty object)
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	// Clients can use this to match responses to requests.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	// The structure depends on the Type field.
	Payload interface{} `json:"payload"`
}

// SessionHelloPayload carries the session identity assigned at upgrade.
type SessionHelloPayload struct {
	// SessionID is the identifier assigned to this connection.
	SessionID string `json:"session_id"`

	// ServerTime is the host clock in Unix milliseconds, letting
	// clients offset playback positions against their own clock.
	ServerTime int64 `json:"server_time"`
}

// SessionStatusPayload describes a session joining or leaving.
type SessionStatusPayload struct {
	// SessionID identifies the affected session.
	SessionID string `json:"session_id"`

	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// SessionCount is the number of live sessions after the change.
	SessionCount int `json:"session_count"`
}

// PlaybackPositionPayload carries a playback position report.
type PlaybackPositionPayload struct {
	// TrackID identifies the playing track.
	TrackID string `json:"track_id"`

	// PositionMs is the playback position in milliseconds.
	PositionMs int64 `json:"position_ms"`

	// Playing reports whether playback is active or paused.
	Playing bool `json:"playing"`

	// ReportedAt is the sender's clock in Unix milliseconds.
	ReportedAt int64 `json:"reported_at"`
}

// ErrorPayload carries error information to clients.
type ErrorPayload struct {
	// Code is the stable dotted error code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// NewSessionHelloMessage creates the post-upgrade hello for a session.
func NewSessionHelloMessage(sessionID string) Message {
	return Message{
		Type: MessageTypeSessionHello,
		Payload: SessionHelloPayload{
			SessionID:  sessionID,
			ServerTime: time.Now().UnixMilli(),
		},
	}
}

// NewSessionStatusMessage creates a session lifecycle update.
func NewSessionStatusMessage(sessionID, status string, count int) Message {
	return Message{
		Type: MessageTypeSessionStatus,
		Payload: SessionStatusPayload{
			SessionID:    sessionID,
			Status:       status,
			SessionCount: count,
		},
	}
}

// NewErrorMessage creates an error message to send to clients.
func NewErrorMessage(code, message string) Message {
	return Message{
		Type: MessageTypeError,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
