// Package protocol defines the WebSocket frame types and structures exchanged
// between the chat client and server. All frames are serialized as UTF-8 JSON
// objects, one per frame, with a "type" field acting as the discriminator.
// The JSON field names are an external contract shared with other client
// implementations and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeAuth         = "auth"
	TypeRoom         = "room"
	TypePrivate      = "private"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeStartPrivate = "start_private"
)

// Server -> Client frame types.
const (
	TypeRoomMessage    = "room_message"
	TypePrivateMessage = "private_message"
	TypePresence       = "presence"
	TypeError          = "error"
)

// Presence event values carried by PresenceFrame.Event.
const (
	PresenceJoin        = "join"
	PresenceLeave       = "leave"
	PresenceActiveUsers = "active_users"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler. It captures the full raw bytes
// and extracts only the "type" field so that the rest of the payload can be
// decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frame structs
// ---------------------------------------------------------------------------

// AuthFrame is the first frame a client sends after the transport opens. The
// token is opaque to the client and forwarded verbatim.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// RoomFrame carries a message from the client to a room.
type RoomFrame struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// PrivateFrame carries a direct message from the client to another user.
type PrivateFrame struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// JoinFrame subscribes the client to a room.
type JoinFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// LeaveFrame unsubscribes the client from a room.
type LeaveFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// StartPrivateFrame opens a private conversation with another user.
type StartPrivateFrame struct {
	Type        string `json:"type"`
	OtherUserID string `json:"otherUserId"`
}

// ---------------------------------------------------------------------------
// Server -> Client frame structs
// ---------------------------------------------------------------------------

// RoomMessageFrame is a message delivered to every member of a room.
type RoomMessageFrame struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivateMessageFrame is a direct message delivered to its receiver. The
// sender is identified in the frame; the receiver is implied by the
// connection it arrives on.
type PrivateMessageFrame struct {
	Type      string    `json:"type"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceFrame describes a change in who is online. For join/leave events
// UserID identifies the user; for active_users events Users carries the full
// snapshot.
type PresenceFrame struct {
	Type   string   `json:"type"`
	Event  string   `json:"event"`
	UserID string   `json:"userId,omitempty"`
	Users  []string `json:"users,omitempty"`
}

// ErrorFrame reports an error condition to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes into a typed client frame. It
// returns the frame type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or server-only
// frame types.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypeAuth:
		var f AuthFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeRoom:
		var f RoomFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePrivate:
		var f PrivateFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeJoin:
		var f JoinFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeLeave:
		var f LeaveFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeStartPrivate:
		var f StartPrivateFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

// ParseServerFrame parses raw WebSocket bytes into a typed server frame. It
// is the inbound counterpart of ParseClientFrame and is used by the client's
// conversation router.
func ParseServerFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypeRoomMessage:
		var f RoomMessageFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePrivateMessage:
		var f PrivateMessageFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePresence:
		var f PresenceFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeError:
		var f ErrorFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

// NewFrame creates a JSON-encoded byte slice for a frame. The frameType is
// injected into the payload under the "type" key, so callers may leave the
// Type field of the payload struct empty.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
