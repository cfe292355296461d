package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

// ExchangeError は認可コードのトークン交換失敗を表す。
// Statusは0の場合、通信エラーまたはタイムアウトを示す。
type ExchangeError struct {
	Status    int
	Body      string
	Transient bool
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// RefreshError はリフレッシュトークンによるアクセストークン更新の失敗を表す。
// Transientがfalseの場合、プロバイダーが明示的に拒否したことを示す。
type RefreshError struct {
	Status    int
	Body      string
	Transient bool
	Err       error
}

func (e *RefreshError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IdentityFetchError はユーザー情報エンドポイントの呼び出し失敗を表す。
type IdentityFetchError struct {
	Status int
	Body   string
	Err    error
}

func (e *IdentityFetchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("identity fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("identity fetch failed with status %d: %s", e.Status, e.Body)
}

func (e *IdentityFetchError) Unwrap() error { return e.Err }

// classifyTokenError はoauth2のエラーからHTTPステータス、本文、一時的な失敗かどうかを取り出す。
func classifyTokenError(err error) (status int, body string, transient bool) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		body = string(retrieveErr.Body)
		return status, body, isTransientStatus(status)
	}

	// 通信エラーとタイムアウトは一時的な失敗として扱う
	return 0, "", isTransientTransportError(err)
}

// isTransientStatus はリトライで回復しうるHTTPステータスかどうかを判定する。
func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// isTransientTransportError は通信層のエラーが一時的なものかどうかを判定する。
// タイムアウト、接続失敗、不正なレスポンス本文はいずれもプロバイダーの明示的な拒否ではない。
// 呼び出し元によるキャンセルのみ一時的とみなさない。
func isTransientTransportError(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// IsTimeout はエラーがタイムアウトによるものかどうかを判定する。
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
