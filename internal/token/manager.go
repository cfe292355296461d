package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/repository"
	"github.com/hitoshi/timeroi/internal/session"
)

// RefreshRecorder はトークン更新の結果を記録する。metrics.Collectorが実装する。
type RefreshRecorder interface {
	RecordTokenRefresh(outcome string)
}

// Resolution はResolveの結果。
type Resolution struct {
	// Session は更新後のセッショントークン。Changedがtrueの場合はCookieを再発行する。
	Session *session.Token
	Account *model.LinkedAccount
	// Outcome は今回のリクエストで行った更新の結果。
	Outcome  session.Outcome
	Decision Decision
	Changed  bool
}

// Manager は現在のアクセストークンを取得する唯一の入口。
// 期限切れのトークンは取得時に更新し、更新結果を連携情報に保存する。
type Manager struct {
	accounts  repository.LinkedAccountRepository
	refresher session.Refresher
	locker    Locker
	recorder  RefreshRecorder
	provider  string
	now       func() time.Time
}

// NewManager はManagerを生成する。recorderはnilでもよい。
func NewManager(accounts repository.LinkedAccountRepository, refresher session.Refresher, locker Locker, recorder RefreshRecorder) *Manager {
	return &Manager{
		accounts:  accounts,
		refresher: refresher,
		locker:    locker,
		recorder:  recorder,
		provider:  model.ProviderGoogle,
		now:       time.Now,
	}
}

// Resolve はセッションの現在のアクセストークンを確定し、カレンダー操作の可否を判定する。
func (m *Manager) Resolve(ctx context.Context, tok *session.Token) (*Resolution, error) {
	res := &Resolution{Session: tok.Clone(), Outcome: session.OutcomeNotNeeded}

	// 1. 連携情報を取得
	account, err := m.accounts.Find(ctx, tok.UserID, m.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find linked account: %w", err)
	}

	if account == nil {
		if res.Session.AccessToken != "" || res.Session.RefreshToken != "" {
			res.Session.ClearProviderTokens()
			res.Changed = true
		}
		res.Decision = CanProceed(SnapshotOf(res.Session, nil, m.now()))
		return res, nil
	}
	res.Account = account

	// 2. 保存済みのトークンがセッションより新しければ採用
	if m.hydrate(res.Session, account) {
		res.Changed = true
	}

	// 3. 期限切れならロックを取得して更新
	if res.Session.AccessToken != "" && session.Classify(res.Session, m.now()) == session.StateExpired {
		if err := m.refreshLocked(ctx, res); err != nil {
			return nil, err
		}
	}

	// 4. 判定
	res.Decision = CanProceed(SnapshotOf(res.Session, res.Account, m.now()))
	return res, nil
}

// MarkUnauthorized はプロバイダーが401/403を返したトークンを期限切れとして扱う。
// 返されたトークンを保存すると、次のリクエストで更新を経て再判定される。
func (m *Manager) MarkUnauthorized(tok *session.Token) *session.Token {
	next := tok.Clone()
	next.AccessTokenExpires = 0
	return next
}

// hydrate はセッションがトークンを持たないか、保存済みのものより古い場合に連携情報で置き換える。
// Erroredのセッションは置き換えない。解除は再サインインか再連携のコールバックで行う。
func (m *Manager) hydrate(tok *session.Token, account *model.LinkedAccount) bool {
	if account.AccessToken == "" || tok.Error != "" {
		return false
	}

	switch {
	case tok.AccessToken == "":
	case tok.AccessToken == account.AccessToken:
		if tok.RefreshToken == "" && account.RefreshToken != "" {
			tok.RefreshToken = account.RefreshToken
			return true
		}
		return false
	case account.ExpiresAt*1000 < tok.AccessTokenExpires:
		return false
	}

	tok.ApplyAccount(account)
	return true
}

// refreshLocked はロック内で連携情報を再取得し、他のリクエストが更新済みならそれを採用する。
// 未更新ならプロバイダーで更新し、楽観ロック付きで保存する。
func (m *Manager) refreshLocked(ctx context.Context, res *Resolution) error {
	userID := res.Session.UserID

	unlock, err := m.locker.Lock(ctx, lockKey(userID, m.provider))
	if err != nil {
		return fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	defer unlock()

	// 1. ロック取得中に他のリクエストが更新していないか再確認
	current, err := m.accounts.Find(ctx, userID, m.provider)
	if err != nil {
		return fmt.Errorf("failed to reload linked account: %w", err)
	}
	if current == nil {
		res.Account = nil
		res.Session.ClearProviderTokens()
		res.Changed = true
		return nil
	}
	res.Account = current

	now := m.now()
	if m.adoptIfNewer(res, current, now) {
		m.record("adopted")
		return nil
	}

	// 2. プロバイダーで更新
	next, outcome, refreshErr := session.RefreshIfNeeded(ctx, res.Session, m.refresher, now)
	res.Outcome = outcome
	if outcome != session.OutcomeNotNeeded {
		res.Session = next
		res.Changed = true
	}
	m.record(string(outcome))

	if outcome != session.OutcomeRefreshed {
		if refreshErr != nil {
			slog.Warn("access token refresh failed",
				slog.String("user_id", userID),
				slog.String("provider", m.provider),
				slog.String("outcome", string(outcome)),
				slog.Int("refresh_failures", next.RefreshFailures),
				slog.String("error", refreshErr.Error()),
			)
		}
		return nil
	}

	// 3. 楽観ロック付きで保存
	updated := *current
	updated.AccessToken = next.AccessToken
	updated.RefreshToken = next.RefreshToken
	updated.ExpiresAt = next.AccessTokenExpires / 1000
	updated.Scope = next.Scope

	err = m.accounts.UpdateTokens(ctx, &updated, current.Version)
	switch {
	case err == nil:
		res.Account = &updated
		slog.Info("access token refreshed",
			slog.String("user_id", userID),
			slog.String("provider", m.provider),
			slog.String("outcome", string(outcome)),
		)
	case errors.Is(err, repository.ErrVersionConflict):
		// 他の書き込みが先行した場合は上書きせず、保存済みのトークンを採用する
		winner, findErr := m.accounts.Find(ctx, userID, m.provider)
		if findErr != nil {
			return fmt.Errorf("failed to reload linked account after conflict: %w", findErr)
		}
		slog.Info("refresh lost version race; adopting stored token",
			slog.String("user_id", userID),
			slog.String("provider", m.provider),
		)
		if winner == nil {
			res.Account = nil
			res.Session.ClearProviderTokens()
			return nil
		}
		res.Account = winner
		res.Session.ApplyAccount(winner)
	default:
		// 更新したトークン自体は有効なため、このリクエストは続行する
		slog.Error("failed to persist refreshed token",
			slog.String("user_id", userID),
			slog.String("provider", m.provider),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// adoptIfNewer は保存済みのトークンがセッションと異なり、かつ有効な場合に採用する。
func (m *Manager) adoptIfNewer(res *Resolution, account *model.LinkedAccount, now time.Time) bool {
	if account.AccessToken == "" || account.AccessToken == res.Session.AccessToken {
		return false
	}
	if account.ExpiresAt*1000 <= now.UnixMilli() {
		return false
	}
	res.Session.ApplyAccount(account)
	res.Changed = true
	return true
}

func (m *Manager) record(outcome string) {
	if m.recorder != nil {
		m.recorder.RecordTokenRefresh(outcome)
	}
}
