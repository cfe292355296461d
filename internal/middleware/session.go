// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionContextKey は検証済みのセッショントークンを格納するためのキー。
	sessionContextKey = contextKey("session")
	// sessionUserContextKey はセッションから構築したSessionUserを格納するためのキー。
	sessionUserContextKey = contextKey("session_user")
)

// SessionReader はリクエストのセッションCookieを検証する。
// session.Issuerが実装する。
type SessionReader interface {
	Read(r *http.Request) (*session.Token, error)
}

// NewSessionMiddleware はHTTP Only Cookieのセッショントークンを検証するミドルウェアを返す。
// 検証済みのユーザーIDとセッショントークンをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(reader SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := reader.Read(r)
			if err != nil {
				if _, ok := session.FromRequest(r); ok {
					slog.Warn("rejected session cookie", slog.String("error", err.Error()))
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithSession(r.Context(), tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	noteUserID(ctx, userID)
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionFromContext はリクエストコンテキストからセッショントークンを取得する。
// 返り値は共有されるため、変更する場合はCloneすること。
func SessionFromContext(ctx context.Context) (*session.Token, bool) {
	tok, ok := ctx.Value(sessionContextKey).(*session.Token)
	return tok, ok && tok != nil
}

// ContextWithSession はコンテキストにセッショントークンと、そこから構築したSessionUserを注入する。
// トークン本体はリフレッシュと再発行のためだけに参照する。
func ContextWithSession(ctx context.Context, tok *session.Token) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey, tok)
	return ContextWithSessionUser(ctx, tok.ToSessionUser())
}

// ContextWithSessionUser はコンテキストにSessionUserとそのユーザーIDを注入する。
func ContextWithSessionUser(ctx context.Context, user model.SessionUser) context.Context {
	ctx = context.WithValue(ctx, sessionUserContextKey, user)
	return ContextWithUserID(ctx, user.ID)
}

// SessionUserFromContext はリクエストコンテキストから現在のユーザーを取得する。
func SessionUserFromContext(ctx context.Context) (model.SessionUser, bool) {
	user, ok := ctx.Value(sessionUserContextKey).(model.SessionUser)
	return user, ok && user.ID != ""
}
