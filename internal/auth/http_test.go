// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, user lookup and WebSocket credential sources

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/parlor/internal/store"
)

type mockUserLookup struct {
	users map[string]*store.User
}

func (m *mockUserLookup) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func newUsers() *mockUserLookup {
	return &mockUserLookup{users: map[string]*store.User{
		"user-123": {ID: "user-123", Username: "alice"},
	}}
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("user-123", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, got := serve(t, HTTPAuthMiddleware(newUsers(), verifier), req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.UserID != "user-123" || got.Username != "alice" {
		t.Errorf("unexpected AuthContext %+v", got)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("user-123", -time.Hour)
	unknown, _ := verifier.Generate("user-999", time.Hour)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"empty token", "Bearer ", "empty token"},
		{"garbage", "Bearer garbage", "invalid token"},
		{"expired", "Bearer " + expired, "token expired"},
		{"unknown user", "Bearer " + unknown, "user not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, got := serve(t, HTTPAuthMiddleware(newUsers(), verifier), req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if got != nil {
				t.Error("handler should not have run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q should contain %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/c1?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-query" {
		t.Errorf("TokenFromRequest() = %q, want query parameter first", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/c1", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-header" {
		t.Errorf("TokenFromRequest() = %q, want header fallback", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/c1", nil)
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("TokenFromRequest() = %q, want empty", got)
	}
}

func TestAuthenticate(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newUsers()
	ctx := context.Background()

	token, _ := verifier.Generate("user-123", time.Hour)
	got, err := Authenticate(ctx, users, verifier, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.UserID != "user-123" {
		t.Errorf("UserID = %q", got.UserID)
	}

	if _, err := Authenticate(ctx, users, verifier, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}

	unknown, _ := verifier.Generate("user-999", time.Hour)
	if _, err := Authenticate(ctx, users, verifier, unknown); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown user error = %v, want store.ErrNotFound", err)
	}
}
