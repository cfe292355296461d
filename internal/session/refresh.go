package session

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/timeroi/internal/auth"
)

// maxTransientRefreshFailures は一時的な失敗をErroredに切り替えるまでの連続回数。
const maxTransientRefreshFailures = 2

// defaultAccessTokenLifetime はレスポンスにexpires_inが含まれない場合の有効期間。
const defaultAccessTokenLifetime = time.Hour

// ErrNoRefreshToken はリフレッシュトークンを持たないセッションの更新を試みたことを示す。
var ErrNoRefreshToken = errors.New("session has no refresh token")

// Refresher はリフレッシュトークンでアクセストークンを更新する。
// auth.GoogleOAuthProviderが実装する。
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenSet, error)
}

// Outcome はRefreshIfNeededの結果種別。
type Outcome string

const (
	// OutcomeNotNeeded はトークンが有効またはErroredのため何もしなかったことを示す。
	OutcomeNotNeeded Outcome = "not_needed"
	// OutcomeRefreshed は更新に成功したことを示す。
	OutcomeRefreshed Outcome = "refreshed"
	// OutcomeRetryLater は一時的な失敗で、次のリクエストで再試行することを示す。
	OutcomeRetryLater Outcome = "retry_later"
	// OutcomeErrored はセッションがErroredに遷移したことを示す。
	OutcomeErrored Outcome = "errored"
)

// RefreshIfNeeded は期限切れのトークンをrefresherで更新した新しいTokenを返す。
// 引数のtokは変更しない。
// 更新に失敗した場合も遷移後のTokenを返し、errに失敗理由を設定する。
func RefreshIfNeeded(ctx context.Context, tok *Token, refresher Refresher, now time.Time) (*Token, Outcome, error) {
	next := tok.Clone()

	if Classify(tok, now) != StateExpired {
		return next, OutcomeNotNeeded, nil
	}

	if tok.RefreshToken == "" {
		next.Error = RefreshAccessTokenError
		return next, OutcomeErrored, ErrNoRefreshToken
	}

	set, err := refresher.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		if isDefinitive(err) {
			next.Error = RefreshAccessTokenError
			return next, OutcomeErrored, err
		}

		next.RefreshFailures++
		if next.RefreshFailures >= maxTransientRefreshFailures {
			next.Error = RefreshAccessTokenError
			return next, OutcomeErrored, err
		}
		return next, OutcomeRetryLater, err
	}

	next.AccessToken = set.AccessToken
	if set.RefreshToken != "" {
		next.RefreshToken = set.RefreshToken
	}
	expiry := set.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultAccessTokenLifetime)
	}
	next.SetAccessTokenExpiry(expiry)
	if set.Scope != "" {
		next.Scope = set.Scope
	}
	next.Error = ""
	next.RefreshFailures = 0

	return next, OutcomeRefreshed, nil
}

// isDefinitive はプロバイダーが明示的に拒否した失敗かどうかを判定する。
// 判別できないエラーは一時的な失敗として扱う。
func isDefinitive(err error) bool {
	var refErr *auth.RefreshError
	if errors.As(err, &refErr) {
		return !refErr.Transient
	}
	return false
}
