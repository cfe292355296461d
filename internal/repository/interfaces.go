// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/timeroi/internal/model"
)

// ErrVersionConflict は楽観ロックの比較に失敗したことを示す。
// 他のリクエストが先にトークンを更新した場合に返る。
var ErrVersionConflict = errors.New("linked account version conflict")

// ErrSchemaMissing は必要なテーブルが存在しないことを示す。
// マイグレーション未適用のデプロイ不備であり、リトライでは解消しない。
var ErrSchemaMissing = errors.New("database schema is missing; run migrations")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するlinked_accounts、event_tagsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// LinkedAccountRepository は外部プロバイダー連携情報の永続化インターフェース。
type LinkedAccountRepository interface {
	// Find は(userID, provider)の連携情報を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID, provider string) (*model.LinkedAccount, error)

	// Upsert は(userID, provider)をキーに連携情報を冪等に作成または上書きする。
	// RefreshTokenが空の場合は既存のリフレッシュトークンを維持する。
	// 保存後のVersionをaccountに反映する。
	Upsert(ctx context.Context, account *model.LinkedAccount) error

	// UpdateTokens はVersionがexpectedVersionと一致する場合のみトークンを更新する。
	// 一致しない場合はErrVersionConflictを返す。
	UpdateTokens(ctx context.Context, account *model.LinkedAccount, expectedVersion int64) error

	// Delete は(userID, provider)の連携情報を削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, userID, provider string) error

	// ListByUserID はユーザーの全連携情報を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error)
}

// EventTagRepository はイベントタグの永続化インターフェース。
type EventTagRepository interface {
	// Upsert は(userID, eventID)をキーにタグを冪等に作成または上書きする。
	Upsert(ctx context.Context, tag *model.EventTag) error

	// FindByEventID は(userID, eventID)のタグを取得する。見つからない場合はnilを返す。
	FindByEventID(ctx context.Context, userID, eventID string) (*model.EventTag, error)

	// ListByRange は開始日時が[from, to)に含まれるタグを開始日時順に返す。
	ListByRange(ctx context.Context, userID string, from, to time.Time) ([]*model.EventTag, error)

	// Delete は(userID, eventID)のタグを削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, userID, eventID string) error

	// DeleteByUserID はユーザーの全タグを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
