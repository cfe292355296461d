// Package tag はカレンダーイベントへのタグ付けと集計のドメインロジックを提供する。
package tag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/repository"
)

// maxSummaryRange は集計できる期間の上限。
const maxSummaryRange = 366 * 24 * time.Hour

// TagInput はタグ付けの入力。
type TagInput struct {
	EventID    string    `validate:"required,max=1024"`
	CalendarID string    `validate:"omitempty,max=1024"`
	ValueTier  string    `validate:"required,oneof=10k 1k 100 10"`
	Category   string    `validate:"required,oneof=revenue recovery relationships admin delivery meetings"`
	EventTitle string    `validate:"max=1024"`
	StartsAt   time.Time `validate:"required"`
	EndsAt     time.Time `validate:"required,gtefield=StartsAt"`
}

// Service はイベントタグのサービス層。
type Service struct {
	tagRepo  repository.EventTagRepository
	validate *validator.Validate
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(tagRepo repository.EventTagRepository) *Service {
	return &Service{
		tagRepo:  tagRepo,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Upsert はイベントにタグを付与する。同じイベントへの再付与は上書きとなる。
func (s *Service) Upsert(ctx context.Context, userID string, input TagInput) (*model.EventTag, error) {
	input.EventID = strings.TrimSpace(input.EventID)
	input.ValueTier = strings.ToLower(strings.TrimSpace(input.ValueTier))
	input.Category = strings.ToLower(strings.TrimSpace(input.Category))

	if err := s.validate.Struct(input); err != nil {
		return nil, model.NewValidationError(ValidationDetail(err))
	}

	calendarID := input.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	now := s.now()
	t := &model.EventTag{
		ID:         uuid.New().String(),
		UserID:     userID,
		EventID:    input.EventID,
		CalendarID: calendarID,
		ValueTier:  model.ValueTier(input.ValueTier),
		Category:   model.Category(input.Category),
		EventTitle: strings.TrimSpace(input.EventTitle),
		StartsAt:   input.StartsAt.UTC(),
		EndsAt:     input.EndsAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.tagRepo.Upsert(ctx, t); err != nil {
		if errors.Is(err, repository.ErrSchemaMissing) {
			slog.Error("event_tags table is missing", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("タグの保存に失敗しました: %w", err)
	}
	return t, nil
}

// Get はイベントのタグを返す。タグがない場合はEVENT_TAG_NOT_FOUNDエラーを返す。
func (s *Service) Get(ctx context.Context, userID, eventID string) (*model.EventTag, error) {
	t, err := s.tagRepo.FindByEventID(ctx, userID, strings.TrimSpace(eventID))
	if err != nil {
		return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewEventTagNotFoundError()
	}
	return t, nil
}

// List は期間[from, to)に開始するタグを返す。
func (s *Service) List(ctx context.Context, userID string, from, to time.Time) ([]*model.EventTag, error) {
	if !from.Before(to) {
		return nil, model.NewInvalidTimeRangeError()
	}
	tags, err := s.tagRepo.ListByRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	return tags, nil
}

// Delete はタグを削除する。存在しない場合も成功とする。
func (s *Service) Delete(ctx context.Context, userID, eventID string) error {
	if err := s.tagRepo.Delete(ctx, userID, eventID); err != nil {
		return fmt.Errorf("タグの削除に失敗しました: %w", err)
	}
	return nil
}

// Summary は期間[from, to)のタグをティア別・カテゴリ別に集計する。
// 表示順を固定するため、タグがないティアやカテゴリも0件として含める。
func (s *Service) Summary(ctx context.Context, userID string, from, to time.Time) (*model.TagSummary, error) {
	if !from.Before(to) || to.Sub(from) > maxSummaryRange {
		return nil, model.NewInvalidTimeRangeError()
	}

	tags, err := s.tagRepo.ListByRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("集計対象のタグ取得に失敗しました: %w", err)
	}

	return Summarize(from, to, tags), nil
}

// Summarize はタグ一覧から集計結果を組み立てる。
func Summarize(from, to time.Time, tags []*model.EventTag) *model.TagSummary {
	tierIndex := make(map[model.ValueTier]int, len(model.ValueTiers))
	byTier := make([]model.SummaryBucket, len(model.ValueTiers))
	for i, tier := range model.ValueTiers {
		tierIndex[tier] = i
		byTier[i] = model.SummaryBucket{Key: string(tier)}
	}

	categoryIndex := make(map[model.Category]int, len(model.Categories))
	byCategory := make([]model.SummaryBucket, len(model.Categories))
	for i, c := range model.Categories {
		categoryIndex[c] = i
		byCategory[i] = model.SummaryBucket{Key: string(c)}
	}

	summary := &model.TagSummary{From: from, To: to}
	for _, t := range tags {
		minutes := t.DurationMinutes()
		summary.TotalMinutes += minutes
		summary.TotalCount++

		if i, ok := tierIndex[t.ValueTier]; ok {
			byTier[i].Minutes += minutes
			byTier[i].Count++
		}
		if i, ok := categoryIndex[t.Category]; ok {
			byCategory[i].Minutes += minutes
			byCategory[i].Count++
		}
	}
	summary.ByTier = byTier
	summary.ByCategory = byCategory
	return summary
}

// ValidationDetail は検証エラーを項目名の一覧に変換する。
func ValidationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, ", ")
}
