package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/session"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn     func(ctx context.Context, input auth.RegisterInput) (*model.User, error)
	authenticateFn func(ctx context.Context, email, password string) (*model.User, error)
	getUserFn      func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, input auth.RegisterInput) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, input)
	}
	return nil, nil
}

func (m *mockAuthService) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAuthService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, userID)
	}
	return nil, nil
}

// fakeSessions は発行・削除されたセッションを記録するSessionIssuer。
type fakeSessions struct {
	issued   []*session.Token
	cleared  bool
	issueErr error
}

func (f *fakeSessions) Issue(w http.ResponseWriter, tok *session.Token) error {
	if f.issueErr != nil {
		return f.issueErr
	}
	f.issued = append(f.issued, tok.Clone())
	return nil
}

func (f *fakeSessions) Clear(w http.ResponseWriter) {
	f.cleared = true
}

func (f *fakeSessions) last() *session.Token {
	if len(f.issued) == 0 {
		return nil
	}
	return f.issued[len(f.issued)-1]
}

// withSession はセッションミドルウェア通過後のリクエストを再現する。
func withSession(r *http.Request, tok *session.Token) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), tok))
}

// withUserID はトークンを持たないSessionUserのみのリクエストを再現する。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithSessionUser(r.Context(), model.SessionUser{ID: userID}))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func testUser() *model.User {
	return &model.User{
		ID:      "user-123",
		Email:   "alice@example.com",
		Name:    "Alice",
		Company: "Acme",
		Role:    model.RoleUser,
	}
}

// --- テスト ---

func TestAuthHandler_Register_Success(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, input auth.RegisterInput) (*model.User, error) {
			if input.Email != "alice@example.com" || input.Password != "correct-horse" {
				t.Errorf("unexpected input: %+v", input)
			}
			return testUser(), nil
		},
	}
	sessions := &fakeSessions{}
	h := NewAuthHandler(svc, sessions, &mockConnectionService{})

	body := `{"email":"alice@example.com","password":"correct-horse","name":"Alice"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	tok := sessions.last()
	if tok == nil || tok.UserID != "user-123" {
		t.Fatalf("expected session to be issued for user-123, got %+v", tok)
	}
	if tok.AccessToken != "" {
		t.Error("new session must not carry provider tokens")
	}

	resp := decodeBody(t, w)
	user, _ := resp["user"].(map[string]any)
	if user["email"] != "alice@example.com" {
		t.Errorf("user.email = %v", user["email"])
	}
}

func TestAuthHandler_Register_ValidationError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid email", `{"email":"not-an-email","password":"correct-horse"}`},
		{"short password", `{"email":"alice@example.com","password":"short"}`},
		{"unknown field", `{"email":"alice@example.com","password":"correct-horse","admin":true}`},
		{"broken json", `{"email":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				registerFn: func(ctx context.Context, input auth.RegisterInput) (*model.User, error) {
					t.Error("Register must not be called for invalid input")
					return nil, nil
				},
			}
			h := NewAuthHandler(svc, &fakeSessions{}, &mockConnectionService{})

			req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Register(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := decodeBody(t, w)["code"]; got != model.ErrCodeValidation {
				t.Errorf("code = %v, want %s", got, model.ErrCodeValidation)
			}
		})
	}
}

func TestAuthHandler_Register_DuplicateEmail(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, input auth.RegisterInput) (*model.User, error) {
			return nil, model.NewEmailAlreadyExistsError()
		},
	}
	sessions := &fakeSessions{}
	h := NewAuthHandler(svc, sessions, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/register",
		strings.NewReader(`{"email":"alice@example.com","password":"correct-horse"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if len(sessions.issued) != 0 {
		t.Error("session must not be issued on failure")
	}
}

func TestAuthHandler_Login_Success(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, email, password string) (*model.User, error) {
			return testUser(), nil
		},
	}
	sessions := &fakeSessions{}
	h := NewAuthHandler(svc, sessions, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"correct-horse"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if tok := sessions.last(); tok == nil || tok.Email != "alice@example.com" {
		t.Errorf("issued session = %+v", tok)
	}
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, email, password string) (*model.User, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc, &fakeSessions{}, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"wrong-password"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthHandler_Login_IssueFailure(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, email, password string) (*model.User, error) {
			return testUser(), nil
		},
	}
	h := NewAuthHandler(svc, &fakeSessions{issueErr: errors.New("sign failed")}, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"correct-horse"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_Logout_ClearsCookie(t *testing.T) {
	sessions := &fakeSessions{}
	h := NewAuthHandler(&mockAuthService{}, sessions, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !sessions.cleared {
		t.Error("expected session cookie to be cleared")
	}
}

func TestAuthHandler_Me(t *testing.T) {
	svc := &mockAuthService{
		getUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q", userID)
			}
			return testUser(), nil
		},
	}

	tests := []struct {
		name      string
		connected bool
	}{
		{"linked account", true},
		{"no linked account", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connections := &mockConnectionService{
				isConnectedFn: func(ctx context.Context, userID string) (bool, error) {
					return tt.connected, nil
				},
			}
			h := NewAuthHandler(svc, &fakeSessions{}, connections)

			// ログイン直後のセッションはプロバイダートークンを持たない
			req := withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), session.NewToken(testUser()))
			w := httptest.NewRecorder()
			h.Me(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			body := decodeBody(t, w)
			if body["id"] != "user-123" {
				t.Errorf("id = %v", body["id"])
			}
			if body["calendarConnected"] != tt.connected {
				t.Errorf("calendarConnected = %v, want %v", body["calendarConnected"], tt.connected)
			}
		})
	}
}

func TestAuthHandler_Me_ConnectionLookupError(t *testing.T) {
	svc := &mockAuthService{
		getUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			return testUser(), nil
		},
	}
	connections := &mockConnectionService{
		isConnectedFn: func(ctx context.Context, userID string) (bool, error) {
			return false, errors.New("db down")
		},
	}
	h := NewAuthHandler(svc, &fakeSessions{}, connections)

	req := withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), session.NewToken(testUser()))
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_Me_NoSession(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &fakeSessions{}, &mockConnectionService{})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
