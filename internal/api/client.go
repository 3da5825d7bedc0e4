// Package api is the HTTP client for the chat backend's REST endpoints:
// authentication, room listing and message history. Every call is a single
// request/response with no retries; failures surface as errors carrying the
// server's detail message.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the chat backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a Client for the given base URL, e.g. "http://localhost:8000".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// SetToken sets the bearer token attached to authenticated requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Error is a non-2xx response from the API.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Detail)
}

// LoginResult carries the token and user ID returned by the login endpoint.
type LoginResult struct {
	Token  string
	UserID int64
}

// Login authenticates with username and password and returns the issued
// token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ID          int64  `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &LoginResult{Token: out.AccessToken, UserID: out.ID}, nil
}

// Register creates a new user and then logs in with the same credentials,
// returning the login result.
func (c *Client) Register(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/create_user/"+url.PathEscape(username), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return nil, err
	}
	return c.Login(ctx, username, password)
}

// CurrentUser returns the username associated with the current token.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	req, err := c.authRequest(ctx, http.MethodGet, "/protected", nil)
	if err != nil {
		return "", err
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}

	// The endpoint returns a greeting of the form "Hello <username>, ...".
	fields := strings.Fields(out.Message)
	if len(fields) < 2 {
		return "", fmt.Errorf("api: unexpected /protected response: %q", out.Message)
	}
	return strings.TrimSuffix(fields[1], ","), nil
}

// Rooms lists all rooms that have messages.
func (c *Client) Rooms(ctx context.Context) ([]string, error) {
	req, err := c.authRequest(ctx, http.MethodGet, "/rooms", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Rooms []string `json:"rooms"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// CreateRoom registers a new room name.
func (c *Client) CreateRoom(ctx context.Context, roomID string) error {
	body, err := json.Marshal(map[string]string{"room_id": roomID})
	if err != nil {
		return err
	}
	req, err := c.authRequest(ctx, http.MethodPost, "/rooms/create", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// HistoryMessage is one message from a history endpoint.
type HistoryMessage struct {
	SenderID  string
	Content   string
	Timestamp time.Time
}

// RoomHistory fetches up to limit messages of a room, oldest first.
func (c *Client) RoomHistory(ctx context.Context, roomID string, limit int) ([]HistoryMessage, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/history?limit=" + strconv.Itoa(limit)
	req, err := c.authRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Messages []struct {
			UserID    string    `json:"user_id"`
			Content   string    `json:"content"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"messages"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	msgs := make([]HistoryMessage, len(out.Messages))
	for i, m := range out.Messages {
		msgs[i] = HistoryMessage{SenderID: m.UserID, Content: m.Content, Timestamp: m.Timestamp}
	}
	return msgs, nil
}

// PrivateHistory fetches up to limit messages exchanged with another user,
// oldest first.
func (c *Client) PrivateHistory(ctx context.Context, otherUserID string, limit int) ([]HistoryMessage, error) {
	path := "/private/history/" + url.PathEscape(otherUserID) + "?limit=" + strconv.Itoa(limit)
	req, err := c.authRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Messages []struct {
			SenderID  string    `json:"sender_id"`
			Content   string    `json:"content"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"messages"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	msgs := make([]HistoryMessage, len(out.Messages))
	for i, m := range out.Messages {
		msgs[i] = HistoryMessage{SenderID: m.SenderID, Content: m.Content, Timestamp: m.Timestamp}
	}
	return msgs, nil
}

// ConversationEntry is one message from the unified conversation list, either
// a room message (RoomID set) or a private one.
type ConversationEntry struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UnifiedConversations fetches all of the caller's conversations merged in
// chronological order.
func (c *Client) UnifiedConversations(ctx context.Context, limit int) ([]ConversationEntry, error) {
	req, err := c.authRequest(ctx, http.MethodGet, "/conversations/unified?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Messages []ConversationEntry `json:"messages"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ThreadEntry is one message of a two-user conversation thread, annotated
// with whether the caller sent or received it.
type ThreadEntry struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Direction string    `json:"direction"` // "sent" or "received"
	Timestamp time.Time `json:"timestamp"`
}

// Thread is one page of the conversation thread with another user.
type Thread struct {
	Messages      []ThreadEntry
	TotalMessages int
	HasMore       bool
}

// ConversationThread fetches a page of the thread with another user: private
// messages plus messages from rooms both users have spoken in, oldest first.
func (c *Client) ConversationThread(ctx context.Context, otherUserID string, limit, offset int) (*Thread, error) {
	path := "/conversations/thread/" + url.PathEscape(otherUserID) +
		"?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	req, err := c.authRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Metadata struct {
			TotalMessages int `json:"total_messages"`
		} `json:"metadata"`
		Messages   []ThreadEntry `json:"messages"`
		Pagination struct {
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &Thread{
		Messages:      out.Messages,
		TotalMessages: out.Metadata.TotalMessages,
		HasMore:       out.Pagination.HasMore,
	}, nil
}

// DeleteAccount removes the authenticated user's account.
func (c *Client) DeleteAccount(ctx context.Context) error {
	req, err := c.authRequest(ctx, http.MethodDelete, "/users/me", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// authRequest builds a request with the bearer token header.
func (c *Client) authRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do executes the request, maps non-2xx responses to *Error, and decodes the
// body into out when out is non-nil.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &body); err != nil || body.Detail == "" {
			body.Detail = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Detail: body.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
