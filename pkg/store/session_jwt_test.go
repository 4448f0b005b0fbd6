package store

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func newTestSessionStore(t *testing.T, secret string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(secret, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newTestSessionStore(t, "secret-a", NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q", ok, userID)
	}
}

func TestJWTSessionStoreRejectsForeignSecret(t *testing.T) {
	signing := newTestSessionStore(t, "secret-a", nil, JWTOptions{})
	verify := newTestSessionStore(t, "secret-b", nil, JWTOptions{})

	token, err := signing.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := verify.GetUserIDByToken(token); err != nil || ok {
		t.Fatalf("expected signature mismatch to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, "secret", nil, JWTOptions{Audience: "aud-a", Leeway: time.Second})
	verify := newTestSessionStore(t, "secret", nil, JWTOptions{Audience: "aud-b", Leeway: time.Second})

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := verify.GetUserIDByToken(token); err != nil || ok {
		t.Fatalf("expected audience mismatch to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRejectsExpiredToken(t *testing.T) {
	s := newTestSessionStore(t, "secret", nil, JWTOptions{Leeway: time.Millisecond})
	past := time.Now().Add(-time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(past),
		ID:        "jti-expired",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err != nil || ok {
		t.Fatalf("expected expired token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, "secret", NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	other, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new second session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err != nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUserIDByToken(other); err != nil || !ok {
		t.Fatalf("expected sibling session to stay valid, ok=%v err=%v", ok, err)
	}
}

func TestNewJWTSessionStoreRequiresSecret(t *testing.T) {
	if _, err := NewJWTSessionStore(" ", time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}

type unavailableRevoker struct{}

func (unavailableRevoker) Revoke(string, time.Duration) error { return errors.New("redis down") }
func (unavailableRevoker) IsRevoked(string) (bool, error) { return false, errors.New("redis down") }

func TestJWTSessionStoreSurfacesRevokerFailure(t *testing.T) {
	s := newTestSessionStore(t, "secret", unavailableRevoker{}, JWTOptions{})
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected revoker failure to surface as error, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUserIDByToken("not-a-jwt"); err != nil || ok {
		t.Fatalf("malformed token must not consult the revoker, ok=%v err=%v", ok, err)
	}
}
