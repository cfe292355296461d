// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, calendar, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailAlreadyExists   = "EMAIL_ALREADY_REGISTERED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeCalendarNotConnected = "CALENDAR_NOT_CONNECTED"
	ErrCodeInvalidTimeRange     = "INVALID_TIME_RANGE"
	ErrCodeCSRFTokenInvalid     = "CSRF_TOKEN_INVALID"
	ErrCodeEventTagNotFound     = "EVENT_TAG_NOT_FOUND"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewEmailAlreadyExistsError は登録済みメールアドレスのエラーを生成する。
func NewEmailAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログイン画面からログインしてください。",
	}
}

// NewEventTagNotFoundError はイベントにタグが付いていない場合のエラーを生成する。
func NewEventTagNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeEventTagNotFound,
		Message:  "このイベントにはタグが付いていません。",
		Category: "validation",
		Action:   "タグを付けてから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCalendarNotConnectedError はGoogleカレンダー未連携エラーを生成する。
func NewCalendarNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCalendarNotConnected,
		Message:  "Googleカレンダーが連携されていません。",
		Category: "calendar",
		Action:   "設定画面からGoogleカレンダーを連携してください。",
	}
}

// NewInvalidTimeRangeError は集計期間が不正な場合のエラーを生成する。
func NewInvalidTimeRangeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeRange,
		Message:  "集計期間が不正です。",
		Category: "validation",
		Action:   "from と to をRFC3339形式で指定し、from が to より前になるようにしてください。",
	}
}
