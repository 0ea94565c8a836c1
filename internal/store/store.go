// ABOUTME: Store interfaces and data types for pairchat persistence
// ABOUTME: Defines ConversationKey, Message, User and the MessageLog/UserStore contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrClosed    = errors.New("store closed")
)

// ConversationKey identifies the conversation between exactly two participants.
// Build one with KeyFor; the zero value names no conversation.
type ConversationKey string

// KeyFor returns the key for the conversation between a and b.
// KeyFor(a, b) == KeyFor(b, a) for all inputs. Each identifier is
// length-prefixed so that no two distinct unordered pairs share a key, even
// when identifiers contain the separator characters.
func KeyFor(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(fmt.Sprintf("%d:%s|%d:%s", len(a), a, len(b), b))
}

func (k ConversationKey) String() string {
	return string(k)
}

// Message is one record in a conversation log.
type Message struct {
	Seq       int64 // 1-based position within the conversation
	Sender    string
	Body      string
	CreatedAt time.Time // zero for FileStore, whose log records order only
}

// User is a registered chat participant.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// MessageLog is the durable, append-only message log keyed by conversation.
//
// Append must not return until the record is durable. Appends on the same key
// are linearized; appends on different keys never wait on each other beyond
// what the backend itself imposes.
type MessageLog interface {
	// Append adds one message and returns it with its assigned sequence number.
	Append(ctx context.Context, key ConversationKey, sender, body string) (Message, error)

	// ReadAll returns every message for key in append order.
	// A key that has never been written yields an empty slice and no error.
	ReadAll(ctx context.Context, key ConversationKey) ([]Message, error)

	// ReadSince returns messages with Seq greater than afterSeq.
	ReadSince(ctx context.Context, key ConversationKey, afterSeq int64) ([]Message, error)

	Close() error
}

// UserStore persists registered users.
type UserStore interface {
	// CreateUser stores a new user. Returns ErrDuplicate if the username is taken
	// (usernames compare case-insensitively).
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns ErrNotFound if no such user exists.
	GetUser(ctx context.Context, username string) (*User, error)

	// SearchUsers returns users whose name contains query (case-insensitive),
	// excluding the user named exclude, ordered by username.
	SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*User, error)
}

// Pinger is implemented by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

func filterSince(msgs []Message, afterSeq int64) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out
}
