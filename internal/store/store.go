package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("already exists")
)

// User represents a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Room represents a persisted chat room. Rooms are keyed by name and created
// implicitly the first time someone joins them.
type Room struct {
	Name      string
	CreatedAt time.Time
}

// Message represents a persisted chat message.
type Message struct {
	ID        int64
	Room      string
	Username  string
	Text      string
	CreatedAt time.Time
}

// UserStore handles account persistence. Password hashing and comparison live
// in the auth service; this store only moves hash strings.
type UserStore interface {
	// CreateUser creates a new user with a hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore handles durable room membership. The live member sets belong to
// the presence registry; this store is what survives a restart.
type RoomStore interface {
	// EnsureRoom creates the room record if it does not exist yet.
	EnsureRoom(ctx context.Context, name string) error

	// AddMember records username as a member of room, creating the room first
	// if needed. Adding an existing member is a no-op.
	AddMember(ctx context.Context, username, room string) error

	// RemoveMember deletes the membership record. Unknown pairs are a no-op.
	RemoveMember(ctx context.Context, username, room string) error

	// ListRooms returns the names of all persisted rooms.
	ListRooms(ctx context.Context) ([]string, error)

	// ListMembers returns the usernames recorded as members of room.
	ListMembers(ctx context.Context, room string) ([]string, error)
}

// HistoryStore is the append-only per-room message log.
type HistoryStore interface {
	// AppendMessage persists a message and returns the server-assigned
	// timestamp. Timestamps are non-decreasing per room.
	AppendMessage(ctx context.Context, room, username, text string) (time.Time, error)

	// RecentMessages returns at most limit of the newest messages in room,
	// ordered oldest-first (timestamp, then insertion order).
	RecentMessages(ctx context.Context, room string, limit int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	HistoryStore

	// Close closes the underlying database connection.
	Close() error
}
