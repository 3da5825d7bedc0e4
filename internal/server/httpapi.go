package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/history"
	"github.com/parley/chat-app/internal/presence"
)

const defaultHistoryLimit = 50

// userDirectory is the slice of auth.UserStore the REST layer uses.
type userDirectory interface {
	Create(ctx context.Context, username, password string) (int64, error)
	Authenticate(ctx context.Context, username, password string) (int64, error)
	Delete(ctx context.Context, username string) error
}

// roomRegistry is the slice of presence.Store the REST layer uses.
type roomRegistry interface {
	RegisterRoom(ctx context.Context, roomID string) error
	RegisteredRooms(ctx context.Context) ([]string, error)
}

// messageArchive is the slice of history.Store the REST layer uses.
type messageArchive interface {
	Rooms(ctx context.Context) ([]string, error)
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomHistory(ctx context.Context, roomID string, limit int) ([]history.Message, error)
	PrivateHistory(ctx context.Context, userID, otherID string, limit int) ([]history.Message, error)
	UnifiedFeed(ctx context.Context, userID string, limit int) ([]history.FeedMessage, error)
	Thread(ctx context.Context, userID, otherID string, limit, offset int) ([]history.FeedMessage, int, error)
}

// API serves the REST surface: account management, token issuance, room
// listing, and message history. It shares the auth, presence, and history
// backends with the WebSocket dispatcher.
type API struct {
	tokens   auth.TokenConfig
	users    userDirectory
	presence roomRegistry
	history  messageArchive
}

// NewAPI creates the REST handler set.
func NewAPI(tokens auth.TokenConfig, users *auth.UserStore, pres *presence.Store, hist *history.Store) *API {
	return &API{
		tokens:   tokens,
		users:    users,
		presence: pres,
		history:  hist,
	}
}

// Routes returns an http.Handler with all REST endpoints mounted.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", a.handleLogin)
	mux.HandleFunc("POST /create_user/{username}", a.handleCreateUser)
	mux.Handle("GET /protected", a.authed(a.handleProtected))
	mux.Handle("DELETE /users/me", a.authed(a.handleDeleteUser))
	mux.Handle("GET /rooms", a.authed(a.handleRooms))
	mux.Handle("POST /rooms/create", a.authed(a.handleCreateRoom))
	mux.Handle("GET /rooms/{roomID}/history", a.authed(a.handleRoomHistory))
	mux.Handle("GET /private/history/{otherID}", a.authed(a.handlePrivateHistory))
	mux.Handle("GET /conversations/unified", a.authed(a.handleUnified))
	mux.Handle("GET /conversations/thread/{otherID}", a.authed(a.handleThread))

	return mux
}

type userKey struct{}

// authed wraps a handler with bearer-token verification. The authenticated
// username is stored in the request context.
func (a *API) authed(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		user, err := auth.VerifyToken(a.tokens, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "could not validate credentials")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

// handleLogin verifies a username/password form and issues a bearer token.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	id, err := a.users.Authenticate(r.Context(), username, password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}
	if err != nil {
		log.Printf("api: login %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := auth.IssueToken(a.tokens, username)
	if err != nil {
		log.Printf("api: issue token %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"id":           id,
	})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	id, err := a.users.Create(r.Context(), username, body.Password)
	if errors.Is(err, auth.ErrUsernameTaken) {
		writeError(w, http.StatusBadRequest, "username already registered")
		return
	}
	if err != nil {
		log.Printf("api: create user %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"username": username,
	})
}

func (a *API) handleProtected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Hello %s, you have access to the protected route", requestUser(r)),
	})
}

// handleDeleteUser removes the authenticated user's account. Tokens already
// issued keep working until they expire; message history is retained.
func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := requestUser(r)
	if err := a.users.Delete(r.Context(), username); err != nil {
		log.Printf("api: delete user %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("User '%s' deleted", username),
	})
}

// handleRooms lists every known room: registered ones plus any that already
// have messages.
func (a *API) handleRooms(w http.ResponseWriter, r *http.Request) {
	registered, err := a.presence.RegisteredRooms(r.Context())
	if err != nil {
		log.Printf("api: registered rooms: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	withMessages, err := a.history.Rooms(r.Context())
	if err != nil {
		log.Printf("api: rooms with messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	seen := make(map[string]struct{})
	rooms := make([]string, 0, len(registered)+len(withMessages))
	for _, id := range append(registered, withMessages...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)

	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.RoomID) == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}

	exists, err := a.history.RoomExists(r.Context(), body.RoomID)
	if err != nil {
		log.Printf("api: room exists %s: %v", body.RoomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exists {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Room '%s' already exists", body.RoomID))
		return
	}

	if err := a.presence.RegisterRoom(r.Context(), body.RoomID); err != nil {
		log.Printf("api: register room %s: %v", body.RoomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"room_id": body.RoomID})
}

func (a *API) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	limit := queryLimit(r)

	// A registered-but-silent room has no history yet; only rooms with at
	// least one message are served.
	exists, err := a.history.RoomExists(r.Context(), roomID)
	if err != nil {
		log.Printf("api: room exists %s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Room '%s' not found or empty", roomID))
		return
	}

	msgs, err := a.history.RoomHistory(r.Context(), roomID, limit)
	if err != nil {
		log.Printf("api: room history %s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type entry struct {
		UserID    string    `json:"user_id"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entry, len(msgs))
	for i, m := range msgs {
		out[i] = entry{UserID: m.SenderID, Content: m.Content, Timestamp: m.Timestamp}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"count":    len(out),
		"messages": out,
	})
}

func (a *API) handlePrivateHistory(w http.ResponseWriter, r *http.Request) {
	otherID := r.PathValue("otherID")
	limit := queryLimit(r)

	msgs, err := a.history.PrivateHistory(r.Context(), requestUser(r), otherID, limit)
	if err != nil {
		log.Printf("api: private history with %s: %v", otherID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type entry struct {
		SenderID  string    `json:"sender_id"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entry, len(msgs))
	for i, m := range msgs {
		out[i] = entry{SenderID: m.SenderID, Content: m.Content, Timestamp: m.Timestamp}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": []string{requestUser(r), otherID},
		"count":        len(out),
		"messages":     out,
	})
}

func (a *API) handleUnified(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.history.UnifiedFeed(r.Context(), requestUser(r), queryLimit(r))
	if err != nil {
		log.Printf("api: unified feed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type entry struct {
		Type      string    `json:"type"`
		RoomID    string    `json:"room_id,omitempty"`
		SenderID  string    `json:"sender_id"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entry, len(msgs))
	for i, m := range msgs {
		out[i] = entry{
			Type:      m.Kind,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

// handleThread serves the paginated conversation thread between the caller
// and one other user: their private messages merged with the messages of
// rooms both have spoken in, each annotated with its direction.
func (a *API) handleThread(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	otherID := r.PathValue("otherID")
	limit := queryLimit(r)
	offset := queryOffset(r)

	msgs, total, err := a.history.Thread(r.Context(), user, otherID, limit, offset)
	if err != nil {
		log.Printf("api: thread with %s: %v", otherID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type entry struct {
		Type      string    `json:"type"`
		RoomID    string    `json:"room_id,omitempty"`
		SenderID  string    `json:"sender_id"`
		Content   string    `json:"content"`
		Direction string    `json:"direction"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entry, len(msgs))
	for i, m := range msgs {
		direction := "received"
		if m.SenderID == user {
			direction = "sent"
		}
		out[i] = entry{
			Type:      m.Kind,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Direction: direction,
			Timestamp: m.Timestamp,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metadata": map[string]interface{}{
			"current_user":   user,
			"other_user":     otherID,
			"total_messages": total,
		},
		"messages": out,
		"pagination": map[string]interface{}{
			"limit":    limit,
			"offset":   offset,
			"has_more": offset+limit < total,
		},
	})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultHistoryLimit
}

func queryOffset(r *http.Request) int {
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
