package client

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyContent is returned when a message consists only of whitespace.
// Content validation happens here, at the façade boundary, before any frame
// is built.
var ErrEmptyContent = errors.New("client: message content is empty")

// Config holds session construction parameters.
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. "wss://host/ws". The scheme
	// follows the page scheme of the embedding application: wss for secure
	// origins, ws otherwise.
	ServerURL string

	// Dialer establishes the transport. Defaults to DialWebSocket.
	Dialer Dialer

	// Storage persists the auth token between runs. Nil keeps the token in
	// memory only.
	Storage TokenStorage
}

// Session is the outward-facing API of the client core. One Session is
// created per login and disposed on logout; it owns the credential store,
// connection manager, router and conversation store, and exposes the
// router's commands plus store read accessors with no additional logic
// beyond content validation.
type Session struct {
	creds  *CredentialStore
	conn   *ConnManager
	router *Router
	store  *Store
}

// NewSession wires a session core from the given configuration. Setting
// credentials triggers a connection attempt; clearing them closes the
// connection and resets all conversation state.
func NewSession(cfg Config) *Session {
	dial := cfg.Dialer
	if dial == nil {
		dial = DialWebSocket
	}

	store := NewStore()
	creds := NewCredentialStore(cfg.Storage)
	conn := NewConnManager(creds, cfg.ServerURL, dial)
	router := NewRouter(store, conn)
	conn.SetFrameHandler(router.HandleFrame)

	s := &Session{
		creds:  creds,
		conn:   conn,
		router: router,
		store:  store,
	}

	creds.Subscribe(func(c *Credentials) {
		if c == nil {
			conn.Close()
			store.Reset()
			return
		}
		_ = conn.EnsureConnected(context.Background())
	})

	return s
}

// SetCredentials stores new credentials (connecting as a side effect) or
// clears them with nil (logout: disconnect and drop all logs).
func (s *Session) SetCredentials(c *Credentials) {
	s.creds.Set(c)
}

// Credentials returns a copy of the current credentials, or nil.
func (s *Session) Credentials() *Credentials {
	return s.creds.Get()
}

// Connect ensures a live connection exists. It is a no-op while connected or
// without credentials; after a dropped connection it is the way back online.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.EnsureConnected(ctx)
}

// Close tears down the connection. Credentials and logs are left intact; use
// SetCredentials(nil) for a full logout.
func (s *Session) Close() {
	s.conn.Close()
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// SendRoomMessage sends content to a room. Whitespace-only content is
// rejected before dispatch.
func (s *Session) SendRoomMessage(roomID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return s.router.SendRoomMessage(roomID, content)
}

// SendPrivateMessage sends content directly to another user. The conversation
// is Private(receiverID).
func (s *Session) SendPrivateMessage(receiverID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return s.router.SendPrivateMessage(receiverID, content)
}

// JoinRoom subscribes to a room.
func (s *Session) JoinRoom(roomID string) error {
	return s.router.JoinRoom(roomID)
}

// LeaveRoom unsubscribes from a room.
func (s *Session) LeaveRoom(roomID string) error {
	return s.router.LeaveRoom(roomID)
}

// StartPrivateChat opens a private conversation with another user.
func (s *Session) StartPrivateChat(otherUserID string) error {
	return s.router.StartPrivateChat(otherUserID)
}

// RoomLog returns a snapshot of a room's message log.
func (s *Session) RoomLog(roomID string) []Message {
	return s.store.Log(Room(roomID))
}

// PrivateLog returns a snapshot of the private conversation with a user.
func (s *Session) PrivateLog(otherUserID string) []Message {
	return s.store.Log(Private(otherUserID))
}

// Log returns a snapshot of an arbitrary conversation log.
func (s *Session) Log(id ConversationID) []Message {
	return s.store.Log(id)
}

// Conversations lists all conversations with at least one message.
func (s *Session) Conversations() []ConversationID {
	return s.store.Conversations()
}

// ActiveUsers returns the users currently known to be online.
func (s *Session) ActiveUsers() []string {
	return s.store.ActiveUsers()
}

// OnMessage registers a callback invoked for every appended message.
// Presentation code uses it to refresh without polling.
func (s *Session) OnMessage(fn func(ConversationID, Message)) {
	s.store.OnChange(fn)
}
