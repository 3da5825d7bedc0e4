package client

import (
	"encoding/json"
	"fmt"
	"testing"
)

// captureSender records outbound frames instead of writing them anywhere.
type captureSender struct {
	frames [][]byte
}

func (c *captureSender) Send(data []byte) error {
	c.frames = append(c.frames, data)
	return nil
}

func (c *captureSender) last(t *testing.T) map[string]interface{} {
	t.Helper()
	if len(c.frames) == 0 {
		t.Fatal("no frames were sent")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &m); err != nil {
		t.Fatalf("last frame is not valid JSON: %v", err)
	}
	return m
}

func newTestRouter() (*Router, *Store, *captureSender) {
	store := NewStore()
	sender := &captureSender{}
	return NewRouter(store, sender), store, sender
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

func TestHandleFrame_RoomMessage(t *testing.T) {
	r, store, _ := newTestRouter()

	r.HandleFrame([]byte(`{"type":"room_message","roomId":"general","senderId":"alice","content":"hi","timestamp":"2025-06-01T12:00:00Z"}`))

	msgs := store.Log(Room("general"))
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(msgs))
	}
	if msgs[0].SenderID != "alice" || msgs[0].Content != "hi" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp was not decoded")
	}
}

func TestHandleFrame_RoomMessagesPreserveArrivalOrder(t *testing.T) {
	r, store, _ := newTestRouter()

	for i := 1; i <= 20; i++ {
		frame := fmt.Sprintf(`{"type":"room_message","roomId":"general","senderId":"alice","content":"msg-%d","timestamp":"2025-06-01T12:00:00Z"}`, i)
		r.HandleFrame([]byte(frame))
	}

	msgs := store.Log(Room("general"))
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages with no drops or duplicates, got %d", len(msgs))
	}
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+1)
		if m.Content != expected {
			t.Errorf("index %d: expected %q, got %q (reordered?)", i, expected, m.Content)
		}
	}
}

func TestHandleFrame_AppendsToExactlyOneLog(t *testing.T) {
	r, store, _ := newTestRouter()

	r.HandleFrame([]byte(`{"type":"room_message","roomId":"general","senderId":"alice","content":"hi","timestamp":"2025-06-01T12:00:00Z"}`))

	for _, id := range []ConversationID{Room("alice"), Private("alice"), Private("general")} {
		if n := len(store.Log(id)); n != 0 {
			t.Errorf("log %v should be empty, has %d messages", id, n)
		}
	}
}

func TestHandleFrame_PrivateMessageKeyedBySender(t *testing.T) {
	r, store, _ := newTestRouter()

	r.HandleFrame([]byte(`{"type":"private_message","senderId":"bob","content":"yo","timestamp":"2025-06-01T12:00:00Z"}`))

	msgs := store.Log(Private("bob"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message under Private(bob), got %d", len(msgs))
	}
	if msgs[0].SenderID != "bob" || msgs[0].Content != "yo" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

// An outbound private message to bob and a later inbound reply from bob must
// land in the same logical conversation: both sides use the other party's ID.
func TestPrivateConversationKeyingIsSymmetric(t *testing.T) {
	r, store, sender := newTestRouter()

	if err := r.SendPrivateMessage("bob", "hey"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame := sender.last(t)
	if frame["type"] != "private" || frame["receiverId"] != "bob" || frame["content"] != "hey" {
		t.Fatalf("unexpected outbound frame: %v", frame)
	}

	r.HandleFrame([]byte(`{"type":"private_message","senderId":"bob","content":"yo","timestamp":"2025-06-01T12:00:00Z"}`))

	// The reply lands in the conversation keyed by the receiver of the
	// outbound send.
	msgs := store.Log(Private("bob"))
	if len(msgs) != 1 {
		t.Fatalf("expected the reply under Private(bob), got %d messages", len(msgs))
	}
	if msgs[0].Content != "yo" {
		t.Errorf("unexpected reply: %+v", msgs[0])
	}
}

func TestHandleFrame_Presence(t *testing.T) {
	r, store, _ := newTestRouter()

	r.HandleFrame([]byte(`{"type":"presence","event":"active_users","users":["alice","bob"]}`))
	if n := len(store.ActiveUsers()); n != 2 {
		t.Fatalf("expected 2 active users, got %d", n)
	}

	r.HandleFrame([]byte(`{"type":"presence","event":"leave","userId":"bob"}`))
	users := store.ActiveUsers()
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("expected only alice online, got %v", users)
	}

	r.HandleFrame([]byte(`{"type":"presence","event":"join","userId":"carol"}`))
	if n := len(store.ActiveUsers()); n != 2 {
		t.Errorf("expected 2 active users after join, got %d", n)
	}
}

func TestHandleFrame_MalformedDropped(t *testing.T) {
	r, store, _ := newTestRouter()

	// None of these may panic or mutate the store.
	r.HandleFrame([]byte(`{not json`))
	r.HandleFrame([]byte(`{"roomId":"general"}`))
	r.HandleFrame([]byte(`{"type":"bogus"}`))
	r.HandleFrame([]byte(`{"type":"room_message","timestamp":42}`))

	if n := len(store.Conversations()); n != 0 {
		t.Errorf("malformed frames mutated the store: %d conversations", n)
	}
}

func TestHandleFrame_ErrorFrameIgnored(t *testing.T) {
	r, store, _ := newTestRouter()

	r.HandleFrame([]byte(`{"type":"error","code":"auth_failed","message":"invalid token"}`))

	if n := len(store.Conversations()); n != 0 {
		t.Errorf("error frame mutated the store: %d conversations", n)
	}
}

// A message for a room arriving after LeaveRoom is still appended: the log
// persists independent of membership.
func TestLeaveRoomThenInboundMessageStillAppended(t *testing.T) {
	r, store, _ := newTestRouter()

	if err := r.LeaveRoom("general"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	r.HandleFrame([]byte(`{"type":"room_message","roomId":"general","senderId":"alice","content":"late","timestamp":"2025-06-01T12:00:00Z"}`))

	msgs := store.Log(Room("general"))
	if len(msgs) != 1 {
		t.Fatalf("expected the late message to be appended, got %d messages", len(msgs))
	}
}

// ---------------------------------------------------------------------------
// Outbound command translation: one command, exactly one frame
// ---------------------------------------------------------------------------

func TestOutboundCommands(t *testing.T) {
	cases := []struct {
		name string
		call func(r *Router) error
		want map[string]interface{}
	}{
		{
			name: "room message",
			call: func(r *Router) error { return r.SendRoomMessage("general", "hello") },
			want: map[string]interface{}{"type": "room", "roomId": "general", "content": "hello"},
		},
		{
			name: "private message",
			call: func(r *Router) error { return r.SendPrivateMessage("bob", "hey") },
			want: map[string]interface{}{"type": "private", "receiverId": "bob", "content": "hey"},
		},
		{
			name: "join",
			call: func(r *Router) error { return r.JoinRoom("general") },
			want: map[string]interface{}{"type": "join", "roomId": "general"},
		},
		{
			name: "leave",
			call: func(r *Router) error { return r.LeaveRoom("general") },
			want: map[string]interface{}{"type": "leave", "roomId": "general"},
		},
		{
			name: "start private",
			call: func(r *Router) error { return r.StartPrivateChat("bob") },
			want: map[string]interface{}{"type": "start_private", "otherUserId": "bob"},
		},
	}

	for _, tc := range cases {
		r, _, sender := newTestRouter()
		if err := tc.call(r); err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if len(sender.frames) != 1 {
			t.Fatalf("%s: expected exactly 1 frame, got %d", tc.name, len(sender.frames))
		}
		got := sender.last(t)
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("%s: field %q: expected %v, got %v", tc.name, k, v, got[k])
			}
		}
	}
}
