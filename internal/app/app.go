package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/events"
	"chatrelay/internal/presence"
	"chatrelay/internal/util"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/domain"
	"chatrelay/pkg/storage"
	"chatrelay/pkg/store"
)

const publishTimeout = 2 * time.Second

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	SessionTTL    time.Duration
	RedisAddr     string
	RedisPassword string

	Store    store.Store
	Sessions store.SessionStore
	Presence *presence.Registry
	Media    *storage.Media
	Events   events.Publisher
}

// App is the chat core: accounts, profiles, and direct messages, with
// realtime fan-out through the presence registry.
type App struct {
	store    store.Store
	sessions store.SessionStore
	presence *presence.Registry
	media    *storage.Media
	events   events.Publisher
}

// SignUpInput carries the signup form.
type SignUpInput struct {
	FullName string
	Email    string
	Password string
	Bio      string
}

// New constructs the application. Missing collaborators are built from cfg.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		}
		jwtStore, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	registry := cfg.Presence
	if registry == nil {
		registry = presence.NewRegistry()
	}
	var publisher events.Publisher = events.Nop{}
	if cfg.Events != nil {
		publisher = cfg.Events
	}

	return &App{
		store:    dataStore,
		sessions: sessionStore,
		presence: registry,
		media:    cfg.Media,
		events:   publisher,
	}, nil
}

// Presence exposes the registry the realtime transport registers into.
func (a *App) Presence() *presence.Registry {
	return a.presence
}

// SignUp creates an account and issues an access token.
func (a *App) SignUp(in SignUpInput) (domain.User, string, error) {
	email := normalizeEmail(in.Email)
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" || email == "" || in.Password == "" {
		return domain.User{}, "", ErrMissingDetails
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrAccountExists
	}
	passwordHash, err := auth.HashPassword(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return domain.User{}, "", ErrPasswordTooLong
		}
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		FullName:     fullName,
		PasswordHash: passwordHash,
		Bio:          in.Bio,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return domain.User{}, "", ErrAccountExists
		}
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues an access token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrMissingCredentials
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the access token until it expires.
func (a *App) Logout(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrTokenRequired
	}
	if err := a.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// UserFromToken resolves the account behind an access token.
func (a *App) UserFromToken(token string) (domain.User, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, ErrTokenRequired
	}
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil {
		return domain.User{}, fmt.Errorf("verify token: %w", err)
	}
	if !ok {
		return domain.User{}, ErrInvalidToken
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// UserByID returns the account with id.
func (a *App) UserByID(id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(strings.TrimSpace(id))
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// UpdateProfile applies the supplied profile fields. A blank full name is
// ignored; bio and picture may be cleared with an empty string.
func (a *App) UpdateProfile(ctx context.Context, userID string, upd domain.ProfileUpdate) (domain.User, error) {
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		if name == "" {
			upd.FullName = nil
		} else {
			upd.FullName = &name
		}
	}
	var uploaded string
	if upd.ProfilePic != nil && *upd.ProfilePic != "" {
		url, key, err := a.media.Upload(ctx, "profiles/"+userID, *upd.ProfilePic)
		if err != nil {
			return domain.User{}, imageError(err)
		}
		upd.ProfilePic = &url
		uploaded = key
	}
	user, ok, err := a.store.UpdateProfile(userID, upd)
	if err != nil {
		a.media.Discard(ctx, uploaded)
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	if !ok {
		a.media.Discard(ctx, uploaded)
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// SidebarUsers lists every other user plus per-sender unseen counts for the
// caller. Only senders with at least one unseen message appear in the map.
func (a *App) SidebarUsers(userID string) ([]domain.User, map[string]int, error) {
	users, err := a.store.ListUsersExcept(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	counts, err := a.store.CountUnseenBySender(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("count unseen: %w", err)
	}
	listed := make(map[string]struct{}, len(users))
	for _, u := range users {
		listed[u.ID] = struct{}{}
	}
	unseen := make(map[string]int, len(counts))
	for senderID, n := range counts {
		if _, ok := listed[senderID]; ok && n > 0 {
			unseen[senderID] = n
		}
	}
	return users, unseen, nil
}

// Conversation returns the messages between userID and otherID oldest first,
// then marks every message otherID sent to userID as seen.
func (a *App) Conversation(userID, otherID string) ([]domain.Message, error) {
	otherID = strings.TrimSpace(otherID)
	messages, err := a.store.ListConversation(userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	if _, err := a.store.MarkConversationSeen(otherID, userID); err != nil {
		return nil, fmt.Errorf("mark conversation seen: %w", err)
	}
	return messages, nil
}

// MarkMessageSeen flips one message addressed to userID to seen.
func (a *App) MarkMessageSeen(userID, messageID string) error {
	ok, err := a.store.MarkMessageSeen(strings.TrimSpace(messageID), userID)
	if err != nil {
		return fmt.Errorf("mark message seen: %w", err)
	}
	if !ok {
		return ErrMessageNotFound
	}
	return nil
}

// SendMessage persists a message and then relays it to every live
// connection of the receiver and the sender. Nothing is relayed when the
// message cannot be stored.
func (a *App) SendMessage(ctx context.Context, senderID, receiverID, text, image string) (domain.Message, error) {
	receiverID = strings.TrimSpace(receiverID)
	image = strings.TrimSpace(image)
	if receiverID == "" {
		return domain.Message{}, ErrReceiverRequired
	}
	if strings.TrimSpace(text) == "" && image == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if _, ok, err := a.store.GetUserByID(receiverID); err != nil {
		return domain.Message{}, fmt.Errorf("fetch receiver: %w", err)
	} else if !ok {
		return domain.Message{}, ErrReceiverNotFound
	}
	var uploaded string
	if image != "" {
		url, key, err := a.media.Upload(ctx, "messages/"+senderID, image)
		if err != nil {
			return domain.Message{}, imageError(err)
		}
		image = url
		uploaded = key
	}

	msg := domain.Message{
		ID:         util.NewID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.CreateMessage(msg); err != nil {
		a.media.Discard(ctx, uploaded)
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}

	delivered, err := a.presence.Relay(senderID, receiverID, domain.EventReceiveMessage, msg)
	if err != nil {
		slog.Error("relay message failed", "message_id", msg.ID, "err", err)
	}
	a.publish(ctx, domain.MessageCreated{Message: msg, Delivered: delivered, At: time.Now().UTC()})
	return msg, nil
}

func (a *App) publish(ctx context.Context, evt domain.MessageCreated) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.events.PublishMessageCreated(pubCtx, evt); err != nil {
		slog.Warn("publish message event failed", "message_id", evt.Message.ID, "err", err)
	}
}

func imageError(err error) error {
	if errors.Is(err, storage.ErrInvalidDataURI) || errors.Is(err, storage.ErrUnsupportedType) || errors.Is(err, storage.ErrImageTooLarge) {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
