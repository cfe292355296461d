package calendar

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/hitoshi/timeroi/internal/auth"
)

// CalendarAPIError はCalendar API呼び出しの失敗を表す。
// タイムアウトは504、通信エラーは502として扱う。
type CalendarAPIError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *CalendarAPIError) Error() string {
	return fmt.Sprintf("calendar %s failed with status %d: %s", e.Op, e.Status, e.Message)
}

func (e *CalendarAPIError) Unwrap() error { return e.Err }

// IsUnauthorized はアクセストークンが拒否されたかどうかを返す。
func (e *CalendarAPIError) IsUnauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsNotFound はイベントが存在しないか削除済みかどうかを返す。
func (e *CalendarAPIError) IsNotFound() bool {
	return e.Status == http.StatusNotFound || e.Status == http.StatusGone
}

// wrapError はAPI呼び出しのエラーをCalendarAPIErrorに変換する。
func wrapError(op string, err error) *CalendarAPIError {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = http.StatusText(gerr.Code)
		}
		return &CalendarAPIError{Op: op, Status: gerr.Code, Message: msg, Err: err}
	}

	if auth.IsTimeout(err) {
		return &CalendarAPIError{Op: op, Status: http.StatusGatewayTimeout, Message: "calendar request timed out", Err: err}
	}
	return &CalendarAPIError{Op: op, Status: http.StatusBadGateway, Message: err.Error(), Err: err}
}
