// Package history persists chat messages in PostgreSQL and serves the
// room/private history and unified conversation queries.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	insertRoomMessageQuery = `
		INSERT INTO room_messages (room_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4)`

	insertPrivateMessageQuery = `
		INSERT INTO private_messages (sender_id, receiver_id, content, created_at)
		VALUES ($1, $2, $3, $4)`

	selectRoomsQuery = `
		SELECT DISTINCT room_id
		FROM room_messages
		ORDER BY room_id`

	roomExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM room_messages WHERE room_id = $1
		)`

	selectRoomHistoryQuery = `
		SELECT sender_id, content, created_at
		FROM room_messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	selectPrivateHistoryQuery = `
		SELECT sender_id, content, created_at
		FROM private_messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT $3`

	selectUnifiedFeedQuery = `
		SELECT kind, room_id, sender_id, content, created_at FROM (
			SELECT 'room' AS kind, room_id, sender_id, content, created_at
			FROM room_messages
			WHERE room_id IN (
				SELECT DISTINCT room_id FROM room_messages WHERE sender_id = $1
			)
			UNION ALL
			SELECT 'private' AS kind, '' AS room_id, sender_id, content, created_at
			FROM private_messages
			WHERE sender_id = $1 OR receiver_id = $1
		) t
		ORDER BY created_at DESC
		LIMIT $2`

	// A thread between two users is their private messages plus the messages
	// of every room in which both of them have spoken.
	threadSourcesQuery = `
		SELECT 'private' AS kind, '' AS room_id, sender_id, content, created_at
		FROM private_messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		UNION ALL
		SELECT 'room' AS kind, room_id, sender_id, content, created_at
		FROM room_messages
		WHERE sender_id IN ($1, $2) AND room_id IN (
			SELECT room_id FROM room_messages
			WHERE sender_id IN ($1, $2)
			GROUP BY room_id
			HAVING COUNT(DISTINCT sender_id) = 2
		)`

	selectThreadQuery = `
		SELECT kind, room_id, sender_id, content, created_at FROM (` +
		threadSourcesQuery + `
		) t
		ORDER BY created_at
		OFFSET $3 LIMIT $4`

	countThreadQuery = `
		SELECT COUNT(*) FROM (` + threadSourcesQuery + `) t`
)

// Message is one persisted chat message.
type Message struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedMessage is one entry of the unified conversation feed: a message from
// a room the user participates in (RoomID set) or a private message
// involving the user.
type FeedMessage struct {
	Kind      string    `json:"kind"` // "room" or "private"
	RoomID    string    `json:"room_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the PostgreSQL message archive.
type Store struct {
	db *sql.DB
}

// NewStore runs pending migrations and returns a store backed by db.
func NewStore(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: run migrations: %w", err)
	}
	log.Println("history: migrations up to date")
	return nil
}

// SaveRoomMessage archives a message sent to a room.
func (s *Store) SaveRoomMessage(ctx context.Context, roomID, senderID, content string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, insertRoomMessageQuery, roomID, senderID, content, at); err != nil {
		return fmt.Errorf("history: save room message: %w", err)
	}
	return nil
}

// SavePrivateMessage archives a direct message.
func (s *Store) SavePrivateMessage(ctx context.Context, senderID, receiverID, content string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, insertPrivateMessageQuery, senderID, receiverID, content, at); err != nil {
		return fmt.Errorf("history: save private message: %w", err)
	}
	return nil
}

// Rooms lists the ids of all rooms that have at least one message.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectRoomsQuery)
	if err != nil {
		return nil, fmt.Errorf("history: list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("history: scan room: %w", err)
		}
		rooms = append(rooms, id)
	}
	return rooms, rows.Err()
}

// RoomExists reports whether any message was ever sent to roomID.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, roomExistsQuery, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("history: room exists: %w", err)
	}
	return exists, nil
}

// RoomHistory returns the most recent messages of a room in chronological
// order, capped at limit.
func (s *Store) RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectRoomHistoryQuery, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: room history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PrivateHistory returns the most recent messages between two users, either
// direction, in chronological order.
func (s *Store) PrivateHistory(ctx context.Context, userID, otherID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectPrivateHistoryQuery, userID, otherID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: private history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnifiedFeed merges the messages of every room the user has spoken in with
// the private messages involving them, capped at limit and returned in
// chronological order.
func (s *Store) UnifiedFeed(ctx context.Context, userID string, limit int) ([]FeedMessage, error) {
	rows, err := s.db.QueryContext(ctx, selectUnifiedFeedQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: unified feed: %w", err)
	}
	defer rows.Close()

	var msgs []FeedMessage
	for rows.Next() {
		var m FeedMessage
		if err := rows.Scan(&m.Kind, &m.RoomID, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan feed message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Thread returns the messages exchanged between two users, both private and
// in rooms they have both spoken in, in chronological order windowed by
// offset and limit. The second return value is the total thread length
// before windowing.
func (s *Store) Thread(ctx context.Context, userID, otherID string, limit, offset int) ([]FeedMessage, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, countThreadQuery, userID, otherID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("history: thread count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectThreadQuery, userID, otherID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("history: thread: %w", err)
	}
	defer rows.Close()

	var msgs []FeedMessage
	for rows.Next() {
		var m FeedMessage
		if err := rows.Scan(&m.Kind, &m.RoomID, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("history: scan thread message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come back newest first; history is served oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
