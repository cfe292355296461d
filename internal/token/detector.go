// Package token はアクセストークンの取得・更新と再認可判定を提供する。
package token

import (
	"strings"
	"time"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/session"
)

// Reason は再認可が必要な理由。
type Reason string

// 判定順に並べている。
const (
	ReasonNoLinkedAccount   Reason = "no-linked-account"
	ReasonNoAccessToken     Reason = "no-access-token"
	ReasonTokenErrored      Reason = "token-errored"
	ReasonScopeInsufficient Reason = "scope-insufficient"
)

// RequiredScopes はカレンダー操作に必要なスコープ。
var RequiredScopes = []string{auth.ScopeCalendar, auth.ScopeCalendarEvents}

// impliedScopes はあるスコープが包含する下位スコープ。
var impliedScopes = map[string][]string{
	auth.ScopeCalendar: {auth.ScopeCalendarEvents},
}

// Snapshot は判定に必要なセッションの状態。
type Snapshot struct {
	HasLinkedAccount bool
	AccessToken      string
	State            session.State
	Scope            string
}

// SnapshotOf はセッションと連携情報からSnapshotを構築する。
func SnapshotOf(tok *session.Token, account *model.LinkedAccount, now time.Time) Snapshot {
	return Snapshot{
		HasLinkedAccount: account != nil,
		AccessToken:      tok.AccessToken,
		State:            session.Classify(tok, now),
		Scope:            tok.Scope,
	}
}

// Decision はカレンダー操作を続行できるかどうかの判定結果。
type Decision struct {
	OK     bool
	Reason Reason
}

// NeedsReauth は同意画面への誘導が必要かどうかを返す。
func (d Decision) NeedsReauth() bool {
	return !d.OK
}

// CanProceed はカレンダー操作を続行できるかどうかを判定する。I/Oは行わない。
func CanProceed(s Snapshot) Decision {
	switch {
	case !s.HasLinkedAccount:
		return Decision{Reason: ReasonNoLinkedAccount}
	case s.AccessToken == "":
		return Decision{Reason: ReasonNoAccessToken}
	case s.State == session.StateErrored:
		return Decision{Reason: ReasonTokenErrored}
	case !HasRequiredScopes(s.Scope):
		return Decision{Reason: ReasonScopeInsufficient}
	}
	return Decision{OK: true}
}

// HasRequiredScopes はスペース区切りのスコープ文字列がRequiredScopesを満たすかどうかを返す。
func HasRequiredScopes(scope string) bool {
	granted := make(map[string]bool)
	for _, s := range strings.Fields(scope) {
		granted[s] = true
		for _, implied := range impliedScopes[s] {
			granted[implied] = true
		}
	}

	for _, required := range RequiredScopes {
		if !granted[required] {
			return false
		}
	}
	return true
}
