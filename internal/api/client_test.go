package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "pw" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok123",
			"token_type":   "bearer",
			"id":           7,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if res.Token != "tok123" {
		t.Errorf("expected token tok123, got %q", res.Token)
	}
	if res.UserID != 7 {
		t.Errorf("expected user id 7, got %d", res.UserID)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid credentials"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Login(context.Background(), "alice", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", apiErr.Status)
	}
	if apiErr.Detail != "Invalid credentials" {
		t.Errorf("expected server detail, got %q", apiErr.Detail)
	}
}

func TestRegister_CreatesThenLogsIn(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/create_user/alice":
			json.NewEncoder(w).Encode(map[string]string{"message": "User created successfully"})
		case "/token":
			json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "token_type": "bearer", "id": 1})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Register(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.Token != "tok" {
		t.Errorf("expected token from follow-up login, got %q", res.Token)
	}
	if len(calls) != 2 || calls[0] != "POST /create_user/alice" || calls[1] != "POST /token" {
		t.Errorf("unexpected call sequence: %v", calls)
	}
}

func TestCurrentUser_ParsesGreeting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"message": "Hello alice, you have access to this protected resource",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok")
	user, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("current user failed: %v", err)
	}
	if user != "alice" {
		t.Errorf("expected alice, got %q", user)
	}
}

func TestRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"rooms": {"general", "random"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	rooms, err := c.Rooms(context.Background())
	if err != nil {
		t.Fatalf("rooms failed: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "general" {
		t.Errorf("unexpected rooms: %v", rooms)
	}
}

func TestRoomHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/general/history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected limit=50, got %q", r.URL.Query().Get("limit"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"room_id": "general",
			"count":   2,
			"messages": []map[string]string{
				{"user_id": "alice", "content": "first", "timestamp": "2025-06-01T12:00:00Z"},
				{"user_id": "bob", "content": "second", "timestamp": "2025-06-01T12:00:01Z"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	msgs, err := c.RoomHistory(context.Background(), "general", 50)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].SenderID != "alice" || msgs[0].Content != "first" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Error("expected oldest-first ordering")
	}
}

func TestRoomHistory_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Room 'nope' not found or empty"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.RoomHistory(context.Background(), "nope", 10)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 *Error, got %v", err)
	}
}

func TestUnifiedConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count": 2,
			"messages": []map[string]interface{}{
				{"type": "private", "sender_id": "bob", "content": "yo", "timestamp": "2025-06-01T12:00:00Z"},
				{"type": "room", "room_id": "general", "sender_id": "alice", "content": "hi", "timestamp": "2025-06-01T12:00:01Z"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	entries, err := c.UnifiedConversations(context.Background(), 100)
	if err != nil {
		t.Fatalf("unified failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "private" || entries[1].RoomID != "general" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestConversationThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/thread/bob" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "2" || q.Get("offset") != "4" {
			t.Errorf("unexpected query: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"metadata": map[string]interface{}{
				"current_user":   "alice",
				"other_user":     "bob",
				"total_messages": 9,
			},
			"messages": []map[string]interface{}{
				{"type": "private", "sender_id": "alice", "content": "hi", "direction": "sent", "timestamp": "2025-06-01T12:00:00Z"},
				{"type": "room", "room_id": "general", "sender_id": "bob", "content": "yo", "direction": "received", "timestamp": "2025-06-01T12:00:01Z"},
			},
			"pagination": map[string]interface{}{
				"limit":    2,
				"offset":   4,
				"has_more": true,
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	thread, err := c.ConversationThread(context.Background(), "bob", 2, 4)
	if err != nil {
		t.Fatalf("thread failed: %v", err)
	}
	if thread.TotalMessages != 9 || !thread.HasMore {
		t.Errorf("thread = total %d, has_more %v; want 9, true", thread.TotalMessages, thread.HasMore)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(thread.Messages))
	}
	if thread.Messages[0].Direction != "sent" || thread.Messages[1].Direction != "received" {
		t.Errorf("unexpected directions: %+v", thread.Messages)
	}
}

func TestDeleteAccount(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodDelete || r.URL.Path != "/users/me" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{"message": "User 'alice' deleted"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok")
	if err := c.DeleteAccount(context.Background()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !called {
		t.Fatal("server was not called")
	}
}
