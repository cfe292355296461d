package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, input auth.RegisterInput) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// SessionIssuer はセッションCookieの発行と削除を行う。session.Issuerが実装する。
type SessionIssuer interface {
	Issue(w http.ResponseWriter, tok *session.Token) error
	Clear(w http.ResponseWriter)
}

// AuthHandler はメールアドレス・パスワード認証のHTTPハンドラー。
type AuthHandler struct {
	service     AuthServiceInterface
	sessions    SessionIssuer
	connections ConnectionChecker
	validate    *validator.Validate
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionIssuer, connections ConnectionChecker) *AuthHandler {
	return &AuthHandler{
		service:     service,
		sessions:    sessions,
		connections: connections,
		validate:    validator.New(),
	}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=200"`
	Company  string `json:"company" validate:"max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Role    string `json:"role"`
}

type meResponse struct {
	userResponse
	CalendarConnected bool `json:"calendarConnected"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Company: u.Company, Role: u.Role}
}

// Register はユーザーを登録し、ログイン済みのセッションを発行する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, validationError(err))
		return
	}

	user, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Company:  req.Company,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if !h.issue(w, session.NewToken(user)) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": toUserResponse(user)})
}

// Login はメールアドレスとパスワードでログインし、セッションを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, validationError(err))
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 連携済みのトークンは最初のカレンダー呼び出しで連携情報から補完される
	if !h.issue(w, session.NewToken(user)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}

// Logout はセッションCookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.SessionUserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetUser(r.Context(), current.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// ログイン直後のセッションはトークンを持たないため、保存済みの連携情報で判定する
	connected, err := h.connections.IsCalendarConnected(r.Context(), current.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		userResponse:      toUserResponse(user),
		CalendarConnected: connected,
	})
}

func (h *AuthHandler) issue(w http.ResponseWriter, tok *session.Token) bool {
	if err := h.sessions.Issue(w, tok); err != nil {
		slog.Error("failed to issue session",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return false
	}
	return true
}
