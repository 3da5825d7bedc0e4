package server

import (
	"context"
	"log"
	"slices"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/history"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
)

const storeTimeout = 3 * time.Second

// FrameHandler is the callback signature for handling a parsed client frame.
// The frame parameter is the concrete struct returned by
// protocol.ParseClientFrame (e.g., protocol.RoomFrame, protocol.JoinFrame).
type FrameHandler func(conn *Connection, frame interface{})

// Dispatcher routes incoming WebSocket frames to registered handlers based
// on the frame type. Every connection must authenticate with a valid token
// before any other frame type is accepted; frames arriving before auth get
// an error response and the connection is closed.
type Dispatcher struct {
	handlers map[string]FrameHandler
	server   *Server
	tokens   auth.TokenConfig
	presence *presence.Store
	history  *history.Store
	bus      *messaging.NATSClient
}

// NewDispatcher creates a Dispatcher wired to the presence, history, and
// messaging backends and registers the built-in frame handlers.
func NewDispatcher(tokens auth.TokenConfig, pres *presence.Store, hist *history.Store, bus *messaging.NATSClient) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]FrameHandler),
		tokens:   tokens,
		presence: pres,
		history:  hist,
		bus:      bus,
	}

	d.Register(protocol.TypeRoom, d.handleRoom)
	d.Register(protocol.TypePrivate, d.handlePrivate)
	d.Register(protocol.TypeJoin, d.handleJoin)
	d.Register(protocol.TypeLeave, d.handleLeave)
	d.Register(protocol.TypeStartPrivate, d.handleStartPrivate)

	return d
}

// SetServer assigns the Server reference on the dispatcher. This supports
// the initialization pattern where the dispatcher is created before the
// server (since New requires the Dispatch callback).
func (d *Dispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a FrameHandler with a frame type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(frameType string, handler FrameHandler) {
	d.handlers[frameType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed frame, enforces the auth gate, and routes to the
// registered handler.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	frameType, frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("server: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid frame format")
		return
	}

	metrics.FramesTotal.WithLabelValues("in", frameType).Inc()

	if frameType == protocol.TypeAuth {
		d.handleAuth(conn, frame.(protocol.AuthFrame))
		return
	}

	// Every other frame type requires a completed auth handshake.
	if conn.UserID == "" {
		log.Printf("server: frame before auth conn=%s type=%s", conn.ID, frameType)
		d.sendError(conn, "unauthorized", "authenticate first")
		d.server.RemoveConnection(conn)
		return
	}

	handler, ok := d.handlers[frameType]
	if !ok {
		log.Printf("server: unsupported frame type=%q conn=%s", frameType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported frame type")
		return
	}

	handler(conn, frame)
}

// handleAuth verifies the bearer token from the client's first frame. On
// success the connection is bound to the user; any previous connection the
// user held is evicted. On failure the connection is closed.
func (d *Dispatcher) handleAuth(conn *Connection, frame protocol.AuthFrame) {
	userID, err := auth.VerifyToken(d.tokens, frame.Token)
	if err != nil {
		log.Printf("server: auth failed conn=%s: %v", conn.ID, err)
		d.sendError(conn, "unauthorized", "invalid token")
		d.server.RemoveConnection(conn)
		return
	}

	prev := d.server.Registry().SetUser(conn, userID)
	if prev != nil {
		log.Printf("server: evicting previous connection conn=%s user=%s", prev.ID, userID)
		d.server.RemoveConnection(prev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.presence.MarkActive(ctx, userID); err != nil {
		log.Printf("server: mark active user=%s: %v", userID, err)
	}

	log.Printf("server: authenticated conn=%s user=%s", conn.ID, userID)
	d.broadcastPresence(protocol.PresenceJoin, userID)
}

func (d *Dispatcher) handleRoom(conn *Connection, frame interface{}) {
	start := time.Now()
	f := frame.(protocol.RoomFrame)
	if err := ValidateContent(f.Content); err != nil {
		d.sendError(conn, "invalid_content", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	members, err := d.presence.RoomMembers(ctx, f.RoomID)
	if err != nil {
		log.Printf("server: room members %s: %v", f.RoomID, err)
		d.sendError(conn, "internal_error", "room lookup failed")
		return
	}
	if !slices.Contains(members, conn.UserID) {
		d.sendError(conn, "not_in_room", "join the room before sending")
		return
	}

	now := time.Now().UTC()
	if err := d.history.SaveRoomMessage(ctx, f.RoomID, conn.UserID, f.Content, now); err != nil {
		log.Printf("server: save room message: %v", err)
	}

	out, err := protocol.NewFrame(protocol.TypeRoomMessage, protocol.RoomMessageFrame{
		RoomID:    f.RoomID,
		SenderID:  conn.UserID,
		Content:   f.Content,
		Timestamp: now,
	})
	if err != nil {
		log.Printf("server: build room_message: %v", err)
		return
	}

	if err := d.bus.PublishRoom(f.RoomID, out); err != nil {
		log.Printf("server: publish room %s: %v", f.RoomID, err)
	}
	metrics.FramesTotal.WithLabelValues("out", protocol.TypeRoomMessage).Inc()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) handlePrivate(conn *Connection, frame interface{}) {
	start := time.Now()
	f := frame.(protocol.PrivateFrame)
	if err := ValidateContent(f.Content); err != nil {
		d.sendError(conn, "invalid_content", err.Error())
		return
	}
	if f.ReceiverID == "" {
		d.sendError(conn, "invalid_receiver", "receiver is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := d.history.SavePrivateMessage(ctx, conn.UserID, f.ReceiverID, f.Content, now); err != nil {
		log.Printf("server: save private message: %v", err)
	}

	out, err := protocol.NewFrame(protocol.TypePrivateMessage, protocol.PrivateMessageFrame{
		SenderID:  conn.UserID,
		Content:   f.Content,
		Timestamp: now,
	})
	if err != nil {
		log.Printf("server: build private_message: %v", err)
		return
	}

	if err := d.bus.PublishUser(f.ReceiverID, out); err != nil {
		log.Printf("server: publish user %s: %v", f.ReceiverID, err)
	}
	metrics.FramesTotal.WithLabelValues("out", protocol.TypePrivateMessage).Inc()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) handleJoin(conn *Connection, frame interface{}) {
	f := frame.(protocol.JoinFrame)
	if f.RoomID == "" {
		d.sendError(conn, "invalid_room", "room is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.presence.JoinRoom(ctx, conn.UserID, f.RoomID); err != nil {
		log.Printf("server: join room %s user=%s: %v", f.RoomID, conn.UserID, err)
		d.sendError(conn, "internal_error", "join failed")
		return
	}
	log.Printf("server: user=%s joined room=%s", conn.UserID, f.RoomID)
}

func (d *Dispatcher) handleLeave(conn *Connection, frame interface{}) {
	f := frame.(protocol.LeaveFrame)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.presence.LeaveRoom(ctx, conn.UserID, f.RoomID); err != nil {
		log.Printf("server: leave room %s user=%s: %v", f.RoomID, conn.UserID, err)
		return
	}
	log.Printf("server: user=%s left room=%s", conn.UserID, f.RoomID)
}

// handleStartPrivate warms a direct conversation. There is no server-side
// state to create; the frame is validated and logged so the message path
// can be traced, and the actual conversation materializes with the first
// private frame.
func (d *Dispatcher) handleStartPrivate(conn *Connection, frame interface{}) {
	f := frame.(protocol.StartPrivateFrame)
	if f.OtherUserID == "" {
		d.sendError(conn, "invalid_receiver", "other user is required")
		return
	}
	log.Printf("server: user=%s opened private chat with user=%s", conn.UserID, f.OtherUserID)
}

// HandleDisconnect is the server's onDisconnect callback. It clears the
// user's presence state and announces the departure.
func (d *Dispatcher) HandleDisconnect(conn *Connection) {
	if conn.UserID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := d.presence.LeaveAll(ctx, conn.UserID); err != nil {
		log.Printf("server: presence cleanup user=%s: %v", conn.UserID, err)
	}

	d.broadcastPresence(protocol.PresenceLeave, conn.UserID)
}

// BindFanout subscribes the server instance to the NATS subjects it needs:
// all room traffic, direct traffic for any user, and global presence
// events. Frames published by any instance reach the clients connected
// here.
func (d *Dispatcher) BindFanout() error {
	if err := d.bus.SubscribeRoomEvents(d.fanoutRoom); err != nil {
		return err
	}
	if err := d.bus.SubscribeUserEvents(d.fanoutUser); err != nil {
		return err
	}
	return d.bus.SubscribePresence(d.fanoutPresence)
}

// fanoutRoom delivers a room frame to every member of the room connected to
// this instance. Send failures are left to the read path and heartbeat to
// clean up.
func (d *Dispatcher) fanoutRoom(roomID string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	members, err := d.presence.RoomMembers(ctx, roomID)
	if err != nil {
		log.Printf("server: fanout room members %s: %v", roomID, err)
		return
	}

	for _, member := range members {
		_ = d.server.SendToUser(member, data)
	}
}

func (d *Dispatcher) fanoutUser(userID string, data []byte) {
	_ = d.server.SendToUser(userID, data)
}

func (d *Dispatcher) fanoutPresence(data []byte) {
	for _, c := range d.server.Registry().Authenticated() {
		_ = d.server.Send(c.ID, data)
	}
}

// broadcastPresence publishes a presence event plus a fresh active-user
// snapshot for all instances to relay.
func (d *Dispatcher) broadcastPresence(event, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	users, err := d.presence.ActiveUsers(ctx)
	if err != nil {
		log.Printf("server: active users: %v", err)
	}
	metrics.ActiveUsers.Set(float64(len(users)))

	evt, err := protocol.NewFrame(protocol.TypePresence, protocol.PresenceFrame{
		Event:  event,
		UserID: userID,
	})
	if err == nil {
		if err := d.bus.PublishPresence(evt); err != nil {
			log.Printf("server: publish presence: %v", err)
		}
	}

	snap, err := protocol.NewFrame(protocol.TypePresence, protocol.PresenceFrame{
		Event: protocol.PresenceActiveUsers,
		Users: users,
	})
	if err == nil {
		if err := d.bus.PublishPresence(snap); err != nil {
			log.Printf("server: publish presence snapshot: %v", err)
		}
	}
}

// sendError sends a structured error frame back to the client. Errors
// during frame construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorFrame{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("server: build error frame conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("server: send error frame conn=%s: %v", conn.ID, err)
	}
	metrics.FramesTotal.WithLabelValues("out", protocol.TypeError).Inc()
}
