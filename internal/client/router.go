package client

import (
	"log"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// Sender writes one outbound frame. Satisfied by *ConnManager.
type Sender interface {
	Send(data []byte) error
}

// Router is the single inbound handler for all frames arriving on the
// connection, and the translator from user commands to outbound frames. Each
// inbound event updates exactly one conversation log; each command produces
// exactly one outbound frame.
//
// Malformed or unknown inbound frames are dropped and logged. Failing the
// whole session over one bad network frame would let a misbehaving server
// kill the client.
type Router struct {
	store *Store
	conn  Sender
}

// NewRouter creates a Router appending to store and sending through conn.
func NewRouter(store *Store, conn Sender) *Router {
	return &Router{store: store, conn: conn}
}

// HandleFrame processes one inbound frame. It is invoked from the connection
// read loop in arrival order, which makes log appends preserve that order.
func (r *Router) HandleFrame(data []byte) {
	frameType, frame, err := protocol.ParseServerFrame(data)
	if err != nil {
		metrics.ClientFramesReceived.WithLabelValues("malformed").Inc()
		log.Printf("client: dropping malformed frame: %v", err)
		return
	}
	metrics.ClientFramesReceived.WithLabelValues(frameType).Inc()

	switch f := frame.(type) {
	case protocol.RoomMessageFrame:
		// Appended regardless of membership: the log outlives a leave, so a
		// message racing a leave command still lands in the room's log.
		r.store.Append(Room(f.RoomID), Message{
			SenderID:  f.SenderID,
			Content:   f.Content,
			Timestamp: f.Timestamp,
		})
	case protocol.PrivateMessageFrame:
		// Keyed by sender, which is the other party of the conversation,
		// the same key SendPrivateMessage targets with the receiver.
		r.store.Append(Private(f.SenderID), Message{
			SenderID:  f.SenderID,
			Content:   f.Content,
			Timestamp: f.Timestamp,
		})
	case protocol.PresenceFrame:
		switch f.Event {
		case protocol.PresenceJoin:
			r.store.UserJoined(f.UserID)
		case protocol.PresenceLeave:
			r.store.UserLeft(f.UserID)
		case protocol.PresenceActiveUsers:
			r.store.SetActiveUsers(f.Users)
		default:
			log.Printf("client: unknown presence event %q", f.Event)
		}
	case protocol.ErrorFrame:
		log.Printf("client: server error: %s (%s)", f.Message, f.Code)
	}
}

// SendRoomMessage sends a message to a room.
func (r *Router) SendRoomMessage(roomID, content string) error {
	return r.send(protocol.TypeRoom, protocol.RoomFrame{RoomID: roomID, Content: content})
}

// SendPrivateMessage sends a direct message to another user. The conversation
// this message belongs to is Private(receiverID); replies arrive keyed by
// their sender, which is the same user.
func (r *Router) SendPrivateMessage(receiverID, content string) error {
	return r.send(protocol.TypePrivate, protocol.PrivateFrame{ReceiverID: receiverID, Content: content})
}

// JoinRoom subscribes to a room.
func (r *Router) JoinRoom(roomID string) error {
	return r.send(protocol.TypeJoin, protocol.JoinFrame{RoomID: roomID})
}

// LeaveRoom unsubscribes from a room. The room's local log is kept.
func (r *Router) LeaveRoom(roomID string) error {
	return r.send(protocol.TypeLeave, protocol.LeaveFrame{RoomID: roomID})
}

// StartPrivateChat announces a new private conversation to the server.
func (r *Router) StartPrivateChat(otherUserID string) error {
	return r.send(protocol.TypeStartPrivate, protocol.StartPrivateFrame{OtherUserID: otherUserID})
}

func (r *Router) send(frameType string, payload interface{}) error {
	data, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	return r.conn.Send(data)
}
