package domain

import (
	"encoding/json"
	"time"
)

// Realtime event names exchanged over the socket channel.
const (
	EventOnlineUsers    = "online-users"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventError          = "error-message"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profilePic"`
	Bio          string    `json:"bio"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is immutable after creation except for Seen.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProfileUpdate carries optional profile fields. Nil means "leave unchanged".
type ProfileUpdate struct {
	FullName   *string `json:"fullName,omitempty"`
	Bio        *string `json:"bio,omitempty"`
	ProfilePic *string `json:"profilePic,omitempty"`
}

// Envelope is the framing of every realtime frame.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// InboundEnvelope keeps the payload raw until the event name is known.
type InboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessagePayload is the inbound send-message body.
type SendMessagePayload struct {
	To    string `json:"to"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

// ErrorPayload is returned to a single connection when an inbound event fails.
type ErrorPayload struct {
	Message string `json:"message"`
}

// MessageCreated is the domain event published after a message is stored.
type MessageCreated struct {
	Message   Message   `json:"message"`
	Delivered int       `json:"delivered"`
	At        time.Time `json:"at"`
}
