// Package presence tracks online users and room membership in Redis.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ActiveKey is the Redis set of all currently connected user ids.
	ActiveKey = "presence:active"

	// RoomPrefix prefixes the per-room membership sets.
	RoomPrefix = "presence:room:"

	// UserRoomsPrefix prefixes the per-user set of joined rooms.
	UserRoomsPrefix = "presence:user_rooms:"

	// RoomIndexKey is the Redis set of registered room ids.
	RoomIndexKey = "rooms:index"
)

// Store manages presence state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// MarkActive records a user as online.
func (s *Store) MarkActive(ctx context.Context, userID string) error {
	return s.client.SAdd(ctx, ActiveKey, userID).Err()
}

// JoinRoom adds a user to a room's membership set.
func (s *Store) JoinRoom(ctx context.Context, userID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, RoomPrefix+roomID, userID)
	pipe.SAdd(ctx, UserRoomsPrefix+userID, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaveRoom removes a user from a room's membership set.
func (s *Store) LeaveRoom(ctx context.Context, userID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, RoomPrefix+roomID, userID)
	pipe.SRem(ctx, UserRoomsPrefix+userID, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveUsers returns the ids of all online users.
func (s *Store) ActiveUsers(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, ActiveKey).Result()
}

// RoomMembers returns the ids of all users in a room.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, RoomPrefix+roomID).Result()
}

// UserRooms returns the rooms a user has joined.
func (s *Store) UserRooms(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserRoomsPrefix+userID).Result()
}

// RegisterRoom records a room id in the room index.
func (s *Store) RegisterRoom(ctx context.Context, roomID string) error {
	return s.client.SAdd(ctx, RoomIndexKey, roomID).Err()
}

// RegisteredRooms returns all room ids ever registered.
func (s *Store) RegisteredRooms(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, RoomIndexKey).Result()
}

// LeaveAll removes a user from every room they joined and marks them
// offline. Called on disconnect.
func (s *Store) LeaveAll(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.UserRooms(ctx, userID)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	for _, room := range rooms {
		pipe.SRem(ctx, RoomPrefix+room, userID)
	}
	pipe.Del(ctx, UserRoomsPrefix+userID)
	pipe.SRem(ctx, ActiveKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
