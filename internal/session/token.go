// Package session はセッショントークン（署名付きJWT Cookie）とアクセストークンの状態遷移を提供する。
package session

import (
	"time"

	"github.com/hitoshi/timeroi/internal/model"
)

// RefreshAccessTokenError はリフレッシュ失敗でセッションがErroredになったことを示すマーカー。
const RefreshAccessTokenError = "RefreshAccessTokenError"

// State はセッションが保持するアクセストークンの状態。
type State string

const (
	StateFresh      State = "fresh"
	StateExpired    State = "expired"
	StateRefreshing State = "refreshing"
	StateRefreshed  State = "refreshed"
	StateErrored    State = "errored"
)

// Token はセッションCookieに格納される内容。DBには保存しない。
type Token struct {
	UserID  string
	Email   string
	Name    string
	Company string
	Role    string

	AccessToken        string
	RefreshToken       string
	AccessTokenExpires int64 // エポックミリ秒。0は不明
	Scope              string

	// Errorが空でない場合、再同意までリフレッシュを試みない
	Error           string
	RefreshFailures int

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewToken はログイン直後のユーザー情報からTokenを生成する。
func NewToken(user *model.User) *Token {
	return &Token{
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Company: user.Company,
		Role:    user.Role,
	}
}

// Clone はTokenのコピーを返す。
func (t *Token) Clone() *Token {
	c := *t
	return &c
}

// AccessTokenExpiry はアクセストークンの有効期限を返す。不明な場合はゼロ値。
func (t *Token) AccessTokenExpiry() time.Time {
	if t.AccessTokenExpires == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.AccessTokenExpires)
}

// SetAccessTokenExpiry はアクセストークンの有効期限を設定する。
func (t *Token) SetAccessTokenExpiry(expiry time.Time) {
	if expiry.IsZero() {
		t.AccessTokenExpires = 0
		return
	}
	t.AccessTokenExpires = expiry.UnixMilli()
}

// ApplyAccount は保存済みの連携情報でプロバイダートークンを置き換える。
// エラーマーカーと失敗回数はリセットされる。
func (t *Token) ApplyAccount(account *model.LinkedAccount) {
	t.AccessToken = account.AccessToken
	if account.RefreshToken != "" {
		t.RefreshToken = account.RefreshToken
	}
	t.SetAccessTokenExpiry(account.ExpiresAtTime())
	t.Scope = account.Scope
	t.Error = ""
	t.RefreshFailures = 0
}

// ClearProviderTokens はカレンダー連携解除時にプロバイダートークンを破棄する。
func (t *Token) ClearProviderTokens() {
	t.AccessToken = ""
	t.RefreshToken = ""
	t.AccessTokenExpires = 0
	t.Scope = ""
	t.Error = ""
	t.RefreshFailures = 0
}

// ToSessionUser はハンドラー向けのSessionUserを構築する。
func (t *Token) ToSessionUser() model.SessionUser {
	return model.SessionUser{
		ID:          t.UserID,
		Email:       t.Email,
		Name:        t.Name,
		Company:     t.Company,
		AccessToken: t.AccessToken,
		Role:        t.Role,
	}
}

// Classify はnow時点のトークン状態を返す。
// 有効期限ちょうどはExpiredとみなす。有効期限が不明な場合もExpired。
func Classify(tok *Token, now time.Time) State {
	if tok.Error != "" {
		return StateErrored
	}
	if tok.AccessTokenExpires > now.UnixMilli() {
		return StateFresh
	}
	return StateExpired
}
