package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/app"
	"chatrelay/internal/presence"
	"chatrelay/internal/realtime"
	"chatrelay/pkg/domain"
	"chatrelay/pkg/store"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	srv      *httptest.Server
	app      *app.App
	registry *presence.Registry
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithRevoker(t, cfg, store.NewMemoryTokenRevoker())
}

func newTestEnvWithRevoker(t *testing.T, cfg Config, revoker store.TokenRevoker) *testEnv {
	t.Helper()
	sessions, err := store.NewJWTSessionStore("test-secret", time.Hour, revoker, store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	registry := presence.NewRegistry()
	core, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Sessions: sessions,
		Presence: registry,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	rt := realtime.NewHandler(realtime.Config{
		Registry:  registry,
		Messenger: core,
		Identity:  core,
	})
	t.Cleanup(rt.Close)

	cfg.App = core
	cfg.Realtime = rt
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, app: core, registry: registry}
}

type apiResponse struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	Token          string           `json:"token"`
	UserData       domain.User      `json:"userData"`
	Users          []domain.User    `json:"users"`
	UnseenMessages map[string]int   `json:"unseenMessages"`
	Messages       []domain.Message `json:"messages"`
	NewMessage     domain.Message   `json:"newMessage"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) signup(t *testing.T, name, email string) (domain.User, string) {
	t.Helper()
	status, resp := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"fullName": name,
		"email":    email,
		"password": "secret123",
	})
	if status != http.StatusCreated || !resp.Success || resp.Token == "" {
		t.Fatalf("signup %s: status=%d resp=%+v", email, status, resp)
	}
	return resp.UserData, resp.Token
}

func TestSignupLoginCheck(t *testing.T) {
	env := newTestEnv(t, Config{})
	user, _ := env.signup(t, "Alice", "Alice@Example.com")
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	status, resp := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"fullName": "Alice Again",
		"email":    "alice@example.com",
		"password": "other",
	})
	if status != http.StatusBadRequest || resp.Success || resp.Message != "Account already exists" {
		t.Fatalf("duplicate signup: status=%d resp=%+v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	if status != http.StatusBadRequest || resp.Message != "Invalid Credentials" || resp.Token != "" {
		t.Fatalf("wrong password: status=%d resp=%+v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "secret123",
	})
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login: status=%d resp=%+v", status, resp)
	}
	token := resp.Token

	status, resp = env.do(t, http.MethodGet, "/api/auth/check", token, nil)
	if status != http.StatusOK || resp.UserData.ID != user.ID {
		t.Fatalf("check: status=%d resp=%+v", status, resp)
	}
}

func TestSignupMissingDetails(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, resp := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "a@example.com"})
	if status != http.StatusBadRequest || resp.Message != "Missing Details" {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	env := newTestEnv(t, Config{})

	status, resp := env.do(t, http.MethodGet, "/api/auth/check", "", nil)
	if status != http.StatusUnauthorized || resp.Message != "No token provided" {
		t.Fatalf("missing token: status=%d resp=%+v", status, resp)
	}
	status, resp = env.do(t, http.MethodGet, "/api/auth/check", "garbage", nil)
	if status != http.StatusUnauthorized || resp.Message != "Invalid or expired token" {
		t.Fatalf("bad token: status=%d resp=%+v", status, resp)
	}

	_, token := env.signup(t, "Alice", "alice@example.com")
	status, _ = env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	if status != http.StatusOK {
		t.Fatalf("logout status=%d", status)
	}
	status, resp = env.do(t, http.MethodGet, "/api/auth/check", token, nil)
	if status != http.StatusUnauthorized || resp.Message != "Invalid or expired token" {
		t.Fatalf("revoked token: status=%d resp=%+v", status, resp)
	}
}

type unavailableRevoker struct{}

func (unavailableRevoker) Revoke(string, time.Duration) error { return errors.New("redis down") }
func (unavailableRevoker) IsRevoked(string) (bool, error) { return false, errors.New("redis down") }

func TestRevokerOutageIsServerError(t *testing.T) {
	env := newTestEnvWithRevoker(t, Config{}, unavailableRevoker{})
	_, token := env.signup(t, "Alice", "alice@example.com")

	status, resp := env.do(t, http.MethodGet, "/api/auth/check", token, nil)
	if status != http.StatusInternalServerError || resp.Message != "Server error" {
		t.Fatalf("revoker outage: status=%d resp=%+v", status, resp)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, token := env.signup(t, "Alice", "alice@example.com")

	status, resp := env.do(t, http.MethodPut, "/api/auth/update-profile", token, map[string]string{
		"fullName": "  ",
		"bio":      "hello there",
	})
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("update: status=%d resp=%+v", status, resp)
	}
	if resp.UserData.FullName != "Alice" || resp.UserData.Bio != "hello there" {
		t.Fatalf("unexpected profile: %+v", resp.UserData)
	}

	status, _ = env.do(t, http.MethodPost, "/api/auth/update-profile", token, nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("POST update-profile status=%d", status)
	}
}

func TestMessagingFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice, aliceToken := env.signup(t, "Alice", "alice@example.com")
	bob, bobToken := env.signup(t, "Bob", "bob@example.com")

	status, resp := env.do(t, http.MethodPost, "/api/messages/send/"+bob.ID, aliceToken, map[string]string{})
	if status != http.StatusBadRequest || resp.Message != "Message or image is required" {
		t.Fatalf("empty send: status=%d resp=%+v", status, resp)
	}
	status, resp = env.do(t, http.MethodPost, "/api/messages/send/missing-user", aliceToken, map[string]string{"text": "hi"})
	if status != http.StatusNotFound {
		t.Fatalf("unknown receiver: status=%d resp=%+v", status, resp)
	}

	for _, text := range []string{"one", "two"} {
		status, resp = env.do(t, http.MethodPost, "/api/messages/send/"+bob.ID, aliceToken, map[string]string{"text": text})
		if status != http.StatusCreated || resp.NewMessage.Text != text || resp.NewMessage.Seen {
			t.Fatalf("send %q: status=%d resp=%+v", text, status, resp)
		}
	}
	status, resp = env.do(t, http.MethodPost, "/api/messages/send/"+alice.ID, bobToken, map[string]string{"text": "three"})
	if status != http.StatusCreated {
		t.Fatalf("reply status=%d", status)
	}
	replyID := resp.NewMessage.ID

	status, resp = env.do(t, http.MethodGet, "/api/auth/users", bobToken, nil)
	if status != http.StatusOK || len(resp.Users) != 1 || resp.Users[0].ID != alice.ID {
		t.Fatalf("sidebar: status=%d resp=%+v", status, resp)
	}
	if resp.UnseenMessages[alice.ID] != 2 {
		t.Fatalf("unseen from alice = %d, want 2", resp.UnseenMessages[alice.ID])
	}

	status, resp = env.do(t, http.MethodGet, "/api/messages/"+alice.ID, bobToken, nil)
	if status != http.StatusOK || len(resp.Messages) != 3 {
		t.Fatalf("conversation: status=%d resp=%+v", status, resp)
	}
	want := []string{"one", "two", "three"}
	for i, msg := range resp.Messages {
		if msg.Text != want[i] {
			t.Fatalf("message %d = %q, want %q", i, msg.Text, want[i])
		}
	}

	status, resp = env.do(t, http.MethodGet, "/api/auth/users", bobToken, nil)
	if status != http.StatusOK || len(resp.UnseenMessages) != 0 {
		t.Fatalf("unseen after fetch: %+v", resp.UnseenMessages)
	}

	status, _ = env.do(t, http.MethodPut, "/api/messages/mark-seen/"+replyID, bobToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("sender marking own message seen: status=%d", status)
	}
	status, resp = env.do(t, http.MethodPut, "/api/messages/mark-seen/"+replyID, aliceToken, nil)
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("mark seen: status=%d resp=%+v", status, resp)
	}
}

func TestUnknownMessagePath(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, token := env.signup(t, "Alice", "alice@example.com")
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/messages/a/b"},
		{http.MethodGet, "/api/messages/"},
		{http.MethodPut, "/api/messages/mark-seen"},
		{http.MethodPut, "/api/messages/mark-seen/"},
		{http.MethodPost, "/api/messages/send"},
		{http.MethodPost, "/api/messages/send/"},
		{http.MethodGet, "/api/messages/send"},
	} {
		status, _ := env.do(t, tc.method, tc.path, token, map[string]string{"text": "hi"})
		if status != http.StatusNotFound {
			t.Fatalf("%s %s status=%d, want 404", tc.method, tc.path, status)
		}
	}
}

func TestWebsocketThroughRouter(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice, aliceToken := env.signup(t, "Alice", "alice@example.com")
	bob, _ := env.signup(t, "Bob", "bob@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?userId=" + bob.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var env1 domain.InboundEnvelope
	if err := conn.ReadJSON(&env1); err != nil {
		t.Fatalf("read roster: %v", err)
	}
	if env1.Event != domain.EventOnlineUsers {
		t.Fatalf("first event = %q", env1.Event)
	}

	status, _ := env.do(t, http.MethodPost, "/api/messages/send/"+bob.ID, aliceToken, map[string]string{"text": "ping"})
	if status != http.StatusCreated {
		t.Fatalf("send status=%d", status)
	}
	var frame domain.InboundEnvelope
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read message: %v", err)
	}
	if frame.Event != domain.EventReceiveMessage {
		t.Fatalf("event = %q", frame.Event)
	}
	var msg domain.Message
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.SenderID != alice.ID || msg.Text != "ping" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestCacheControlOnlyOnAPIRoutes(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Cache-Control"); got != "" {
		t.Fatalf("healthz Cache-Control = %q, want none", got)
	}

	resp, err = http.Get(env.srv.URL + "/api/auth/check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("api Cache-Control = %q, want no-store", got)
	}
}
