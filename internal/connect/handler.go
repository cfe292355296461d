package connect

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/logger"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/session"
)

// コールバックのリダイレクトに付与する理由コード
const (
	ReasonLoginRequired       = "login_required"
	ReasonOAuthDenied         = "oauth_denied"
	ReasonMissingCode         = "missing_code"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonIdentityFetchFailed = "identity_fetch_failed"
	ReasonDatabaseError       = "database_error"
	ResultCalendarConnected   = "calendar_connected"
)

const (
	defaultReturnURL = "/dashboard/calendar"
	loginPath        = "/login"
)

// OAuthProvider はコールバック処理に必要なプロバイダー操作。
// auth.GoogleOAuthProviderが実装する。
type OAuthProvider interface {
	ConsentURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*auth.TokenSet, error)
	FetchUserInfo(ctx context.Context, accessToken string) (*auth.OAuthUserInfo, error)
}

// AccountStore は連携情報の保存先。
// repository.LinkedAccountRepositoryの部分集合として定義する。
type AccountStore interface {
	Upsert(ctx context.Context, account *model.LinkedAccount) error
}

// SessionStore はセッションCookieの読み書き。session.Issuerが実装する。
type SessionStore interface {
	Read(r *http.Request) (*session.Token, error)
	Issue(w http.ResponseWriter, tok *session.Token) error
}

// OutcomeRecorder はコールバックの結果を記録する。metrics.Collectorが実装する。
type OutcomeRecorder interface {
	RecordCallback(result string)
}

// Config はHandlerの設定。
type Config struct {
	// BaseURL はリダイレクト先のフロントエンドのオリジン。
	BaseURL string
	// DefaultReturnURL はstateにreturnUrlがない、または不正な場合の遷移先。
	DefaultReturnURL string
}

// Handler はカレンダー連携の開始とOAuthコールバックを処理する。
type Handler struct {
	provider OAuthProvider
	accounts AccountStore
	sessions SessionStore
	recorder OutcomeRecorder
	config   Config
	now      func() time.Time
}

// NewHandler はHandlerを生成する。recorderはnilでもよい。
func NewHandler(provider OAuthProvider, accounts AccountStore, sessions SessionStore, recorder OutcomeRecorder, config Config) *Handler {
	if config.DefaultReturnURL == "" {
		config.DefaultReturnURL = defaultReturnURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Handler{
		provider: provider,
		accounts: accounts,
		sessions: sessions,
		recorder: recorder,
		config:   config,
		now:      time.Now,
	}
}

// Connect は同意画面へリダイレクトしてカレンダー連携を開始する。
// GET /auth/google/connect?returnUrl=/dashboard/calendar
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.Read(r); err != nil {
		h.redirect(w, r, loginPath, "error", ReasonLoginRequired)
		return
	}

	returnURL := SafeReturnURL(r.URL.Query().Get("returnUrl"), h.config.DefaultReturnURL)
	state := State{ReturnURL: returnURL}.Encode()

	http.Redirect(w, r, h.provider.ConsentURL(state), http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// すべての終了経路はリダイレクトであり、途中で失敗した場合は何も保存しない。
// GET /auth/google-callback?code=xxx&state=yyy
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	// 1. セッションの確認
	tok, err := h.sessions.Read(r)
	if err != nil {
		slog.Warn("oauth callback without valid session", slog.String("error", err.Error()))
		h.record(ReasonLoginRequired)
		h.redirect(w, r, loginPath, "error", ReasonLoginRequired)
		return
	}

	state := ParseState(query.Get("state"))
	returnURL := SafeReturnURL(state.ReturnURL, h.config.DefaultReturnURL)

	// 2. プロバイダーのエラー確認
	if providerErr := query.Get("error"); providerErr != "" {
		slog.Info("oauth consent denied",
			slog.String("user_id", tok.UserID),
			slog.String("provider_error", providerErr),
		)
		h.fail(w, r, returnURL, ReasonOAuthDenied)
		return
	}

	// 3. 認可コードの確認
	code := query.Get("code")
	if code == "" {
		h.fail(w, r, returnURL, ReasonMissingCode)
		return
	}

	// 4. トークン交換
	tokens, err := h.provider.ExchangeCode(ctx, code)
	if err != nil {
		attrs := []any{slog.String("user_id", tok.UserID), slog.String("error", err.Error())}
		var exErr *auth.ExchangeError
		if errors.As(err, &exErr) {
			attrs = append(attrs, slog.Int("status", exErr.Status), slog.Bool("transient", exErr.Transient))
		}
		slog.Warn("oauth token exchange failed", attrs...)
		h.fail(w, r, returnURL, ReasonTokenExchangeFailed)
		return
	}

	// 5. ユーザー情報の取得
	info, err := h.provider.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		slog.Warn("oauth identity fetch failed",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
		h.fail(w, r, returnURL, ReasonIdentityFetchFailed)
		return
	}

	// 6. 連携情報の保存
	account := h.buildAccount(tok.UserID, info, tokens)
	if err := h.accounts.Upsert(ctx, account); err != nil {
		slog.Error("failed to save linked account",
			slog.String("user_id", tok.UserID),
			slog.String("provider", account.Provider),
			slog.String("error", err.Error()),
		)
		h.fail(w, r, returnURL, ReasonDatabaseError)
		return
	}

	// 7. セッションを新しいトークンで再発行
	updated := tok.Clone()
	updated.ApplyAccount(account)
	if err := h.sessions.Issue(w, updated); err != nil {
		// 連携情報は保存済みのため、次のリクエストでストアから補完される
		slog.Error("failed to reissue session after connect",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("calendar connected",
		slog.String("user_id", tok.UserID),
		slog.String("provider", account.Provider),
		slog.Bool("has_refresh_token", tokens.RefreshToken != ""),
		logger.Email(info.Email),
	)
	h.record(ResultCalendarConnected)
	h.redirect(w, r, returnURL, "success", ResultCalendarConnected)
}

func (h *Handler) buildAccount(userID string, info *auth.OAuthUserInfo, tokens *auth.TokenSet) *model.LinkedAccount {
	now := h.now()
	account := &model.LinkedAccount{
		ID:                uuid.New().String(),
		UserID:            userID,
		Provider:          model.ProviderGoogle,
		ProviderAccountID: info.ProviderUserID,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		Scope:             tokens.Scope,
		TokenType:         tokens.TokenType,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !tokens.Expiry.IsZero() {
		account.ExpiresAt = tokens.Expiry.Unix()
	}
	return account
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, returnURL, reason string) {
	h.record(reason)
	h.redirect(w, r, returnURL, "error", reason)
}

// redirect はBaseURL+pathにクエリパラメータを1つ付与してリダイレクトする。
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path, key, value string) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	target := h.config.BaseURL + path + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) record(result string) {
	if h.recorder != nil {
		h.recorder.RecordCallback(result)
	}
}
