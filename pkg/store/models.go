package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	FullName     string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`
	ProfilePic   string
	Bio          string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type MessageModel struct {
	ID         string    `gorm:"primaryKey"`
	SenderID   string    `gorm:"not null;index:idx_messages_pair,priority:1"`
	ReceiverID string    `gorm:"not null;index:idx_messages_pair,priority:2;index:idx_messages_unseen,priority:1"`
	Text       string    `gorm:"type:text"`
	Image      string    `gorm:"type:text"`
	Seen       bool      `gorm:"not null;default:false;index:idx_messages_unseen,priority:2"`
	CreatedAt  time.Time `gorm:"not null;index"`
}
