package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned by Create when the username exists.
	ErrUsernameTaken = errors.New("auth: username already taken")

	// ErrInvalidCredentials is returned by Authenticate on a bad
	// username/password pair.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const (
	insertUserQuery = `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id`

	selectUserQuery = `
		SELECT id, password_hash
		FROM users
		WHERE username = $1`

	deleteUserQuery = `
		DELETE FROM users
		WHERE username = $1`
)

// UserStore manages accounts in PostgreSQL.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store backed by db.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create registers a new user and returns its id. The password is stored as
// a bcrypt hash.
func (s *UserStore) Create(ctx context.Context, username, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("auth: hash password: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, insertUserQuery, username, string(hash)).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("auth: create user: %w", err)
	}

	log.Printf("auth: created user %s (id=%d)", username, id)
	return id, nil
}

// Authenticate checks a username/password pair and returns the user id.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, selectUserQuery, username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, fmt.Errorf("auth: lookup user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

// Delete removes a user account.
func (s *UserStore) Delete(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, deleteUserQuery, username); err != nil {
		return fmt.Errorf("auth: delete user: %w", err)
	}
	return nil
}
