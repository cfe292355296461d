package handler

import (
	"context"
	"time"

	"github.com/hitoshi/timeroi/internal/calendar"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/tag"
)

// CalendarFactoryAdapter は calendar.ClientFactory を CalendarClientFactory に適合させるアダプタ。
type CalendarFactoryAdapter struct {
	factory *calendar.ClientFactory
}

// NewCalendarFactoryAdapter はCalendarFactoryAdapterを生成する。
func NewCalendarFactoryAdapter(factory *calendar.ClientFactory) *CalendarFactoryAdapter {
	return &CalendarFactoryAdapter{factory: factory}
}

// ForToken はアクセストークンで認証するCalendarClientを返す。
func (a *CalendarFactoryAdapter) ForToken(ctx context.Context, accessToken string) (CalendarClient, error) {
	client, err := a.factory.ForToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// TagServiceAdapter は tag.Service を TagServiceInterface に適合させるアダプタ。
type TagServiceAdapter struct {
	svc *tag.Service
}

// NewTagServiceAdapter はTagServiceAdapterを生成する。
func NewTagServiceAdapter(svc *tag.Service) *TagServiceAdapter {
	return &TagServiceAdapter{svc: svc}
}

// Upsert はタグを付与しhandlerレスポンス型で返す。
func (a *TagServiceAdapter) Upsert(ctx context.Context, userID string, input tag.TagInput) (*eventTagResponse, error) {
	t, err := a.svc.Upsert(ctx, userID, input)
	if err != nil {
		return nil, err
	}
	resp := toEventTagResponse(t)
	return &resp, nil
}

// List は期間内のタグ一覧をhandlerレスポンス型で返す。
func (a *TagServiceAdapter) List(ctx context.Context, userID string, from, to time.Time) ([]eventTagResponse, error) {
	tags, err := a.svc.List(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	results := make([]eventTagResponse, len(tags))
	for i, t := range tags {
		results[i] = toEventTagResponse(t)
	}
	return results, nil
}

// Get はイベントのタグをレスポンス形式で返す。
func (a *TagServiceAdapter) Get(ctx context.Context, userID, eventID string) (*eventTagResponse, error) {
	t, err := a.svc.Get(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	resp := toEventTagResponse(t)
	return &resp, nil
}

// Delete はイベントのタグを削除する。
func (a *TagServiceAdapter) Delete(ctx context.Context, userID, eventID string) error {
	return a.svc.Delete(ctx, userID, eventID)
}

// Summary は期間内の集計を返す。
func (a *TagServiceAdapter) Summary(ctx context.Context, userID string, from, to time.Time) (*model.TagSummary, error) {
	return a.svc.Summary(ctx, userID, from, to)
}
