package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// Googleのトークンを失効させ、event_tags、linked_accounts、userを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service  UserServiceInterface
	sessions SessionIssuer
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, sessions SessionIssuer) *UserHandler {
	return &UserHandler{
		service:  service,
		sessions: sessions,
	}
}

// Withdraw はユーザーの退会処理を実行し、セッションCookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.SessionUserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), user.ID); err != nil {
		handleServiceError(w, err)
		return
	}

	h.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}
