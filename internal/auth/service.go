// Package auth はGoogle OAuthのトークン交換とメールアドレス・パスワード認証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/timeroi/internal/logger"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/repository"
)

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Company  string
}

// Service はメールアドレス・パスワードによるユーザー登録とログインを提供する。
type Service struct {
	userRepo   repository.UserRepository
	bcryptCost int
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{
		userRepo:   userRepo,
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Register はユーザーを新規登録する。
// メールアドレスが登録済みの場合はEMAIL_ALREADY_REGISTEREDエラーを返す。
func (s *Service) Register(ctx context.Context, input RegisterInput) (*model.User, error) {
	email := normalizeEmail(input.Email)

	// 1. 重複チェック
	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailAlreadyExistsError()
	}

	// 2. パスワードをハッシュ化
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// 3. ユーザーを作成
	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(input.Name),
		Company:      strings.TrimSpace(input.Company),
		Role:         model.RoleUser,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailAlreadyExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Authenticate はメールアドレスとパスワードを検証し、ユーザーを返す。
// ユーザーが存在しない場合とパスワード不一致の場合は同じエラーを返す。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil || user.PasswordHash == "" {
		slog.Warn("login for unknown account", logger.Email(email))
		return nil, model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Warn("password mismatch", slog.String("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return user, nil
}

// GetUser は指定IDのユーザーを取得する。
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
