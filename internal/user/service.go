// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/repository"
)

// TagDeleter はタグの一括削除インターフェース。
type TagDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// TokenRevoker はプロバイダー側でトークンを失効させる。
// auth.GoogleOAuthProviderが実装する。
type TokenRevoker interface {
	Revoke(ctx context.Context, token string) error
}

// Service はユーザー管理のサービス層。
// カレンダー連携解除と退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	accountRepo repository.LinkedAccountRepository
	tagDeleter  TagDeleter
	revoker     TokenRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	accountRepo repository.LinkedAccountRepository,
	tagDeleter TagDeleter,
	revoker TokenRevoker,
) *Service {
	return &Service{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		tagDeleter:  tagDeleter,
		revoker:     revoker,
	}
}

// DisconnectCalendar はGoogleカレンダー連携を解除する。
// プロバイダー側の失効は失敗しても連携情報の削除を続行する。連携がない場合も成功とする。
func (s *Service) DisconnectCalendar(ctx context.Context, userID string) error {
	account, err := s.accountRepo.Find(ctx, userID, model.ProviderGoogle)
	if err != nil {
		return fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if account == nil {
		return nil
	}

	s.revoke(ctx, account)

	if err := s.accountRepo.Delete(ctx, userID, model.ProviderGoogle); err != nil {
		return fmt.Errorf("連携情報の削除に失敗しました: %w", err)
	}

	slog.Info("calendar disconnected",
		slog.String("user_id", userID),
		slog.String("provider", model.ProviderGoogle),
	)
	return nil
}

// IsCalendarConnected はGoogleカレンダーの連携情報が保存されているかを返す。
// セッションにトークンが未補完でも、保存済みの連携を基準に判定する。
func (s *Service) IsCalendarConnected(ctx context.Context, userID string) (bool, error) {
	account, err := s.accountRepo.Find(ctx, userID, model.ProviderGoogle)
	if err != nil {
		return false, fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	return account != nil && account.AccessToken != "", nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: プロバイダー側の失効 → event_tags → linked_accounts → user
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. 連携中のトークンを失効
	accounts, err := s.accountRepo.ListByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	for _, account := range accounts {
		s.revoke(ctx, account)
	}

	// 2. タグを削除
	if s.tagDeleter != nil {
		if err := s.tagDeleter.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("タグの削除に失敗しました: %w", err)
		}
	}

	// 3. 連携情報を削除
	for _, account := range accounts {
		if err := s.accountRepo.Delete(ctx, userID, account.Provider); err != nil {
			return fmt.Errorf("連携情報の削除に失敗しました: %w", err)
		}
	}

	// 4. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

// revoke はリフレッシュトークン（なければアクセストークン）を失効させる。失敗はログのみ。
func (s *Service) revoke(ctx context.Context, account *model.LinkedAccount) {
	if s.revoker == nil || account.Provider != model.ProviderGoogle {
		return
	}
	tok := account.RefreshToken
	if tok == "" {
		tok = account.AccessToken
	}
	if err := s.revoker.Revoke(ctx, tok); err != nil {
		slog.Warn("failed to revoke provider token",
			slog.String("user_id", account.UserID),
			slog.String("provider", account.Provider),
			slog.String("error", err.Error()),
		)
	}
}
