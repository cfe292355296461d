package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	defaultGoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	defaultHTTPTimeout       = 10 * time.Second
)

// Googleカレンダー連携で要求するスコープ
const (
	ScopeCalendar       = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

// DefaultScopes は同意画面で要求するスコープ。
var DefaultScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	ScopeCalendar,
	ScopeCalendarEvents,
}

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPTimeout  time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

// TokenSet はトークンエンドポイントから取得したトークン一式。
type TokenSet struct {
	AccessToken  string
	RefreshToken string // レスポンスに含まれない場合は空
	Expiry       time.Time
	Scope        string
	TokenType    string
}

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// GoogleOAuthProvider はGoogle OAuth 2.0のトークン交換、更新、失効を提供する。
// すべての外部呼び出しはタイムアウト付きのHTTPクライアントで行う。
type GoogleOAuthProvider struct {
	config     GoogleOAuthConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = google.Endpoint.AuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = google.Endpoint.TokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultScopes
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaultHTTPTimeout
	}

	return &GoogleOAuthProvider{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
	}
}

// ConsentURL はカレンダー連携用の同意画面URLを生成する。
// リフレッシュトークンを確実に受け取るため、オフラインアクセスと再同意を要求する。
func (p *GoogleOAuthProvider) ConsentURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// ExchangeCode は認可コードをトークンに交換する。
// 失敗時は*ExchangeErrorを返す。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		status, body, transient := classifyTokenError(err)
		return nil, &ExchangeError{Status: status, Body: body, Transient: transient, Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &ExchangeError{Status: http.StatusOK, Body: "empty access token in response"}
	}

	return toTokenSet(tok), nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// レスポンスにリフレッシュトークンが含まれない場合、TokenSet.RefreshTokenは
// 渡されたリフレッシュトークンのままとなる。
// 失敗時は*RefreshErrorを返す。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, &RefreshError{Body: "refresh token is empty", Err: fmt.Errorf("no refresh token")}
	}

	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		status, body, transient := classifyTokenError(err)
		return nil, &RefreshError{Status: status, Body: body, Transient: transient, Err: err}
	}

	set := toTokenSet(tok)
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

// googleUserInfo はGoogleのユーザー情報エンドポイント（v2）のレスポンス。
type googleUserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FetchUserInfo はアクセストークンでGoogleのユーザー情報を取得する。
// 失敗時は*IdentityFetchErrorを返す。
func (p *GoogleOAuthProvider) FetchUserInfo(ctx context.Context, accessToken string) (*OAuthUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, &IdentityFetchError{Err: fmt.Errorf("failed to create user info request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &IdentityFetchError{Err: fmt.Errorf("user info request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &IdentityFetchError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read user info response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &IdentityFetchError{Status: resp.StatusCode, Body: string(body)}
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &IdentityFetchError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("failed to parse user info response: %w", err)}
	}

	if info.ID == "" || info.Email == "" {
		return nil, &IdentityFetchError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("user info response is missing id or email")}
	}

	return &OAuthUserInfo{
		ProviderUserID: info.ID,
		Email:          info.Email,
		Name:           info.Name,
		Provider:       "google",
	}, nil
}

// Revoke はトークンを失効させる。リフレッシュトークンを渡すと紐づくアクセストークンも失効する。
func (p *GoogleOAuthProvider) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// clientContext はoauth2ライブラリにタイムアウト付きHTTPクライアントを渡すコンテキストを返す。
func (p *GoogleOAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// toTokenSet はoauth2.TokenをTokenSetに変換する。
func toTokenSet(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		TokenType:    tok.Type(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}
