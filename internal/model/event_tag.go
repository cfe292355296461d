package model

import "time"

// ValueTier はイベントに付与する価値ティア。
type ValueTier string

const (
	TierTenThousand ValueTier = "10k"
	TierOneThousand ValueTier = "1k"
	TierHundred     ValueTier = "100"
	TierTen         ValueTier = "10"
)

// ValueTiers は集計で使用するティアの表示順。
var ValueTiers = []ValueTier{TierTenThousand, TierOneThousand, TierHundred, TierTen}

// Category はイベントの活動カテゴリ。
type Category string

const (
	CategoryRevenue       Category = "revenue"
	CategoryRecovery      Category = "recovery"
	CategoryRelationships Category = "relationships"
	CategoryAdmin         Category = "admin"
	CategoryDelivery      Category = "delivery"
	CategoryMeetings      Category = "meetings"
)

// Categories は集計で使用するカテゴリの表示順。
var Categories = []Category{
	CategoryRevenue, CategoryRecovery, CategoryRelationships,
	CategoryAdmin, CategoryDelivery, CategoryMeetings,
}

// EventTag はカレンダーイベントに対するユーザーのタグ付けを表す。
// (UserID, EventID) の組で一意となる。
type EventTag struct {
	ID         string
	UserID     string
	EventID    string
	CalendarID string
	ValueTier  ValueTier
	Category   Category
	EventTitle string
	StartsAt   time.Time
	EndsAt     time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DurationMinutes はイベントの長さを分単位で返す。終了が開始以前の場合は0。
func (t *EventTag) DurationMinutes() int {
	if !t.EndsAt.After(t.StartsAt) {
		return 0
	}
	return int(t.EndsAt.Sub(t.StartsAt).Minutes())
}

// SummaryBucket はティアまたはカテゴリ単位の集計値。
type SummaryBucket struct {
	Key     string
	Minutes int
	Count   int
}

// TagSummary は期間内のタグ集計結果。
type TagSummary struct {
	From         time.Time
	To           time.Time
	TotalMinutes int
	TotalCount   int
	ByTier       []SummaryBucket
	ByCategory   []SummaryBucket
}
