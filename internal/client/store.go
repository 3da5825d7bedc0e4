package client

import (
	"sort"
	"sync"
	"time"
)

// Kind discriminates the two conversation categories.
type Kind int

const (
	KindRoom Kind = iota
	KindPrivate
)

// ConversationID identifies one conversation: a named room or a private
// pairing with another user. For private conversations the key is always the
// other party's user ID, on both the send and receive paths, so one logical
// conversation maps to exactly one log.
type ConversationID struct {
	Kind Kind
	Key  string
}

// Room returns the conversation identifier for a room.
func Room(roomID string) ConversationID {
	return ConversationID{Kind: KindRoom, Key: roomID}
}

// Private returns the conversation identifier for a private chat with the
// given user.
func Private(otherUserID string) ConversationID {
	return ConversationID{Kind: KindPrivate, Key: otherUserID}
}

// String renders the identifier for log lines.
func (id ConversationID) String() string {
	if id.Kind == KindPrivate {
		return "private:" + id.Key
	}
	return "room:" + id.Key
}

// Message is one chat message. Immutable once appended; ordering within a log
// is append order.
type Message struct {
	SenderID  string
	Content   string
	Timestamp time.Time
}

// Store holds the per-conversation message logs and the set of users
// currently known to be online. Logs are append-only and unbounded for the
// lifetime of the session; Reset clears everything on logout. All reads
// return snapshots.
type Store struct {
	mu       sync.RWMutex
	logs     map[ConversationID][]Message
	active   map[string]struct{}
	onChange func(ConversationID, Message)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		logs:   make(map[ConversationID][]Message),
		active: make(map[string]struct{}),
	}
}

// OnChange registers a callback invoked after every append. At most one
// callback is supported; presentation code uses it to refresh views.
func (s *Store) OnChange(fn func(ConversationID, Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Append adds a message to the conversation's log.
func (s *Store) Append(id ConversationID, msg Message) {
	s.mu.Lock()
	s.logs[id] = append(s.logs[id], msg)
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(id, msg)
	}
}

// Log returns a snapshot of the conversation's messages in append order.
// Unknown conversations yield an empty slice.
func (s *Store) Log(id ConversationID) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.logs[id]))
	copy(out, s.logs[id])
	return out
}

// Conversations returns the identifiers of all conversations that have at
// least one message.
func (s *Store) Conversations() []ConversationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationID, 0, len(s.logs))
	for id := range s.logs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ActiveUsers returns a sorted snapshot of the users currently online.
func (s *Store) ActiveUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for u := range s.active {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// SetActiveUsers replaces the active user set with a full snapshot.
func (s *Store) SetActiveUsers(users []string) {
	s.mu.Lock()
	s.active = make(map[string]struct{}, len(users))
	for _, u := range users {
		s.active[u] = struct{}{}
	}
	s.mu.Unlock()
}

// UserJoined marks a user as online.
func (s *Store) UserJoined(userID string) {
	s.mu.Lock()
	s.active[userID] = struct{}{}
	s.mu.Unlock()
}

// UserLeft marks a user as offline.
func (s *Store) UserLeft(userID string) {
	s.mu.Lock()
	delete(s.active, userID)
	s.mu.Unlock()
}

// Reset discards all logs and presence state. Called on logout; messages are
// never persisted beyond the session.
func (s *Store) Reset() {
	s.mu.Lock()
	s.logs = make(map[ConversationID][]Message)
	s.active = make(map[string]struct{})
	s.mu.Unlock()
}
