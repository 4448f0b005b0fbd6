package store

import (
	"errors"

	"chatrelay/pkg/domain"
)

// ErrDuplicateEmail is returned by SaveUser when another user owns the email.
var ErrDuplicateEmail = errors.New("email already registered")

// Store defines persistence operations for users and direct messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsersExcept(id string) ([]domain.User, error)
	UpdateProfile(id string, upd domain.ProfileUpdate) (domain.User, bool, error)

	// messages
	CreateMessage(domain.Message) error
	ListConversation(userA, userB string) ([]domain.Message, error)
	MarkConversationSeen(senderID, receiverID string) (int64, error)
	MarkMessageSeen(id, receiverID string) (bool, error)
	CountUnseenBySender(receiverID string) (map[string]int, error)
}

// SessionStore issues and verifies access tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
