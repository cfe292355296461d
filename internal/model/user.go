// Package model はドメインモデルを定義する。
package model

import "time"

// ProviderGoogle はGoogleアカウント連携を表すプロバイダー名。
const ProviderGoogle = "google"

// RoleUser は一般ユーザーのロール。
const RoleUser = "user"

// User はサービス利用ユーザーを表す。
// PasswordHashが空の場合はパスワードログインを許可しない。
type User struct {
	ID              string
	Email           string
	Name            string
	Company         string
	Role            string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LinkedAccount は外部OAuthプロバイダーとの連携情報とトークンを表す。
// (UserID, Provider) の組で一意となる。
type LinkedAccount struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	AccessToken       string
	RefreshToken      string // 空文字列は未発行
	ExpiresAt         int64  // エポック秒。0は不明
	Scope             string
	TokenType         string
	Version           int64 // 楽観ロック用。更新ごとにインクリメントされる
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExpiresAtTime はExpiresAtをtime.Timeに変換する。不明な場合はゼロ値を返す。
func (a *LinkedAccount) ExpiresAtTime() time.Time {
	if a.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(a.ExpiresAt, 0)
}

// SessionUser は検証済みセッションから構築される現在のユーザー情報。
// ハンドラーはこの型のみを参照し、クレームを直接扱わない。
type SessionUser struct {
	ID          string
	Email       string
	Name        string
	Company     string
	AccessToken string
	Role        string
}
