package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"chatrelay/pkg/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 48151623

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "full_name", "password_hash", "profile_pic", "bio", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEmail
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsersExcept returns every user other than id, ordered by name.
func (s *GormStore) ListUsersExcept(id string) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Where("id <> ?", id).Order("full_name ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UpdateProfile applies the non-nil fields of upd and returns the updated user.
func (s *GormStore) UpdateProfile(id string, upd domain.ProfileUpdate) (domain.User, bool, error) {
	var out UserModel
	found := true
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				found = false
				return nil
			}
			return err
		}
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if upd.FullName != nil {
			updates["full_name"] = *upd.FullName
		}
		if upd.Bio != nil {
			updates["bio"] = *upd.Bio
		}
		if upd.ProfilePic != nil {
			updates["profile_pic"] = *upd.ProfilePic
		}
		if err := tx.Model(&model).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return domain.User{}, false, err
	}
	if !found {
		return domain.User{}, false, nil
	}
	return userFromModel(out), true, nil
}

// CreateMessage records a message.
func (s *GormStore) CreateMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListConversation returns messages exchanged between two users, oldest first.
func (s *GormStore) ListConversation(userA, userB string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// MarkConversationSeen flips every unseen senderID -> receiverID message to seen.
func (s *GormStore) MarkConversationSeen(senderID, receiverID string) (int64, error) {
	res := s.db.Model(&MessageModel{}).
		Where("sender_id = ? AND receiver_id = ? AND seen = ?", senderID, receiverID, false).
		Update("seen", true)
	return res.RowsAffected, res.Error
}

// MarkMessageSeen flips one message addressed to receiverID to seen.
// Reports false when no such message exists.
func (s *GormStore) MarkMessageSeen(id, receiverID string) (bool, error) {
	res := s.db.Model(&MessageModel{}).
		Where("id = ? AND receiver_id = ?", id, receiverID).
		Update("seen", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountUnseenBySender groups unseen messages addressed to receiverID by sender.
// Only senders with at least one unseen message appear in the result.
func (s *GormStore) CountUnseenBySender(receiverID string) (map[string]int, error) {
	var rows []struct {
		SenderID string
		Count    int
	}
	if err := s.db.Model(&MessageModel{}).
		Select("sender_id, COUNT(*) AS count").
		Where("receiver_id = ? AND seen = ?", receiverID, false).
		Group("sender_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		if row.Count > 0 {
			out[row.SenderID] = row.Count
		}
	}
	return out, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.FullName,
		PasswordHash: u.PasswordHash,
		ProfilePic:   u.ProfilePic,
		Bio:          u.Bio,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		FullName:     m.FullName,
		PasswordHash: m.PasswordHash,
		ProfilePic:   m.ProfilePic,
		Bio:          m.Bio,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		Image:      msg.Image,
		Seen:       msg.Seen,
		CreatedAt:  msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Image:      m.Image,
		Seen:       m.Seen,
		CreatedAt:  m.CreatedAt,
	}
}
