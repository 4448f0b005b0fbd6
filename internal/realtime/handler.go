// Package realtime upgrades HTTP requests to websocket connections, binds
// them to a user in the presence registry, and dispatches inbound events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"chatrelay/internal/app"
	"chatrelay/internal/presence"
	"chatrelay/internal/util"
	"chatrelay/pkg/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Messenger persists and relays a message.
type Messenger interface {
	SendMessage(ctx context.Context, senderID, receiverID, text, image string) (domain.Message, error)
}

// Identity resolves the user behind a handshake.
type Identity interface {
	UserFromToken(token string) (domain.User, error)
	UserByID(id string) (domain.User, error)
}

// Config wires the realtime handler.
type Config struct {
	Registry  *presence.Registry
	Messenger Messenger
	Identity  Identity
	// AllowedOrigins lists browser origins allowed to connect. "*" allows any.
	AllowedOrigins []string
	// RequireToken disables the bare userId handshake.
	RequireToken bool
}

// Handler serves the websocket endpoint.
type Handler struct {
	registry     *presence.Registry
	messenger    Messenger
	identity     Identity
	requireToken bool
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[*client]struct{}
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		registry:     cfg.Registry,
		messenger:    cfg.Messenger,
		identity:     cfg.Identity,
		requireToken: cfg.RequireToken,
		clients:      make(map[*client]struct{}),
	}
	origins := normalizeOrigins(cfg.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if originAllowed(origins, r.Header.Get("Origin")) {
				return true
			}
			slog.Warn("realtime origin rejected", "origin", r.Header.Get("Origin"), "ip", util.ClientIP(r))
			return false
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user, status, err := h.identify(r)
	if err != nil {
		slog.Warn("realtime handshake rejected", "reason", err.Error(), "ip", util.ClientIP(r))
		writeError(w, status, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Warn("realtime upgrade failed", "user_id", user.ID, "err", err)
		return
	}
	c := &client{
		id:      uuid.NewString(),
		userID:  user.ID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handler: h,
	}
	if !h.remember(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseServiceRestart, "shutting down"))
		_ = conn.Close()
		return
	}
	go c.writePump()
	h.registry.Register(user.ID, c)
	slog.Info("realtime connected",
		"user_id", user.ID,
		"conn_id", c.id,
		"ip", util.ClientIP(r),
		"connections", h.registry.ConnectionCount(user.ID),
	)

	c.readPump(context.WithoutCancel(r.Context()))
}

// Close disconnects every live client and rejects new handshakes.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Handler) remember(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Handler) forget(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Handler) identify(r *http.Request) (domain.User, int, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token != "" {
		user, err := h.identity.UserFromToken(token)
		if err != nil {
			return domain.User{}, statusFor(err), publicError(err)
		}
		return user, http.StatusOK, nil
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" || h.requireToken {
		return domain.User{}, http.StatusUnauthorized, app.ErrTokenRequired
	}
	user, err := h.identity.UserByID(userID)
	if err != nil {
		return domain.User{}, statusFor(err), publicError(err)
	}
	return user, http.StatusOK, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidToken), errors.Is(err, app.ErrTokenRequired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func publicError(err error) error {
	if app.IsPublic(err) {
		return err
	}
	slog.Error("realtime identity lookup failed", "err", err)
	return errors.New("Server error")
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func normalizeOrigins(origins []string) map[string]struct{} {
	out := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out[strings.ToLower(o)] = struct{}{}
		}
	}
	return out
}

// originAllowed accepts non-browser clients (no Origin header), any origin
// when the list is empty or holds "*", and otherwise exact matches.
func originAllowed(origins map[string]struct{}, origin string) bool {
	origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if origin == "" || len(origins) == 0 {
		return true
	}
	if _, ok := origins["*"]; ok {
		return true
	}
	_, ok := origins[origin]
	return ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
