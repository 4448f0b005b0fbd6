package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/app"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/util"
	"chatrelay/pkg/domain"
)

const maxBodyBytes = 4 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Realtime serves /ws. Optional.
	Realtime http.Handler

	AllowedOrigins []string
	TrustedProxies []string

	// Rate limiting is enabled only when RedisAddr is set.
	RedisAddr                string
	RedisPassword            string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
}

// Server exposes HTTP endpoints for the chat backend.
type Server struct {
	app            *app.App
	realtime       http.Handler
	mux            *http.ServeMux
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		realtime:       cfg.Realtime,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: trusted,
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		signupLimit := cfg.SignupRateLimitPerMinute
		if signupLimit <= 0 {
			signupLimit = 5
		}
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 10
		}
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "chatrelay:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.signupLimiter, err = newLimiter("signup", signupLimit); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", loginLimit); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithClientIP(s.trustedProxies,
			util.WithRequestLog("chatrelay",
				util.WithSecurityHeaders(util.SecurityHeaderOptions{},
					util.WithCORS(util.CORSOptions{AllowedOrigins: s.allowedOrigins}, s.mux),
				),
			),
		),
	)
}

// Close releases the rate limiter clients.
func (s *Server) Close() error {
	return errors.Join(s.signupLimiter.Close(), s.loginLimiter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/check", s.authenticated(s.handleCheck))
	s.mux.Handle("/api/auth/update-profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("/api/auth/users", s.authenticated(s.handleUsers))

	// messages
	s.mux.Handle("/api/messages/mark-seen/", s.authenticated(s.handleMarkSeen))
	s.mux.Handle("/api/messages/send/", s.authenticated(s.handleSend))
	s.mux.Handle("/api/messages/", s.authenticated(s.handleConversation))
	// Without an id these would otherwise reach handleConversation.
	s.mux.HandleFunc("/api/messages/mark-seen", http.NotFound)
	s.mux.HandleFunc("/api/messages/send", http.NotFound)

	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, app.ErrTokenRequired.Error())
			return
		}
		user, err := s.app.UserFromToken(token)
		if err != nil {
			status, msg := statusForError(err)
			if status == http.StatusInternalServerError {
				logFailure(r, "authorize", err)
			} else {
				s.audit(r, "auth.authorize", "fail", "reason", msg)
			}
			writeError(w, status, msg)
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter) {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "auth.signup", "fail", "reason", "invalid_json")
		return
	}
	user, token, err := s.app.SignUp(app.SignUpInput{
		FullName: req.FullName,
		Email:    req.Email,
		Password: req.Password,
		Bio:      req.Bio,
	})
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", err.Error())
		s.fail(w, r, "signup", err)
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{
		Success:  true,
		UserData: user,
		Token:    token,
		Message:  "Account created successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter) {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.fail(w, r, "login", err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{
		Success:  true,
		UserData: user,
		Token:    token,
		Message:  "Login Successful",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, app.ErrTokenRequired.Error())
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.fail(w, r, "logout", err)
		return
	}
	s.audit(r, "auth.logout", "success")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "userData": user})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req domain.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.app.UpdateProfile(r.Context(), user.ID, req)
	if err != nil {
		s.fail(w, r, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"userData": updated,
		"message":  "Profile updated successfully",
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, unseen, err := s.app.SidebarUsers(user.ID)
	if err != nil {
		s.fail(w, r, "list users", err)
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"users":          users,
		"unseenMessages": unseen,
	})
}

// message handlers
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	otherID, ok := pathID(r, "/api/messages/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	messages, err := s.app.Conversation(user.ID, otherID)
	if err != nil {
		s.fail(w, r, "conversation", err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": messages})
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request, user domain.User) {
	messageID, ok := pathID(r, "/api/messages/mark-seen/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkMessageSeen(user.ID, messageID); err != nil {
		s.fail(w, r, "mark seen", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, user domain.User) {
	receiverID, ok := pathID(r, "/api/messages/send/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.SendMessage(r.Context(), user.ID, receiverID, req.Text, req.Image)
	if err != nil {
		s.fail(w, r, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "newMessage": msg})
}

type signupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Bio      string `json:"bio"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

type authResponse struct {
	Success  bool        `json:"success"`
	UserData domain.User `json:"userData"`
	Token    string      `json:"token"`
	Message  string      `json:"message"`
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

// allowRate passes every request when no limiter is configured.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r)
	decision := limiter.Decide(key)
	if decision.Allowed {
		return true
	}
	retry := int((decision.RetryAfter + time.Second - 1) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "Too many requests, try again later")
	return false
}

// fail maps err to a client response. Unexpected errors are logged and
// reported as a generic server error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusForError(err)
	if status == http.StatusInternalServerError {
		logFailure(r, op, err)
	}
	writeError(w, status, msg)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrTokenRequired), errors.Is(err, app.ErrInvalidToken):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrReceiverNotFound),
		errors.Is(err, app.ErrMessageNotFound):
		return http.StatusNotFound, err.Error()
	case app.IsPublic(err):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Server error"
	}
}

func logFailure(r *http.Request, op string, err error) {
	util.LoggerFromContext(r.Context()).Error("request failed", "op", op, "path", r.URL.Path, "err", err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// pathID returns the single path segment after prefix.
func pathID(r *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
