// Package calendar はGoogle Calendar APIのイベント操作を提供する。
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxResults  = 50
	maxMaxResults      = 250
)

// Sanitizer はイベントに書き込むテキストをサニタイズする。
// security.EventSanitizerが実装する。
type Sanitizer interface {
	SanitizeDescription(raw string) string
	SanitizePlain(raw string) string
}

// CallRecorder はAPI呼び出しの結果を記録する。metrics.Collectorが実装する。
type CallRecorder interface {
	RecordCalendarCall(op string, status int)
}

// FactoryConfig はClientFactoryの設定。
type FactoryConfig struct {
	HTTPTimeout time.Duration
	// Endpoint はテスト用にAPIのベースURLを差し替える。空の場合は既定のURL。
	Endpoint  string
	Sanitizer Sanitizer
	Recorder  CallRecorder
}

// ClientFactory はアクセストークンごとにClientを生成する。
type ClientFactory struct {
	config FactoryConfig
}

// NewClientFactory はClientFactoryを生成する。
func NewClientFactory(config FactoryConfig) *ClientFactory {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaultHTTPTimeout
	}
	return &ClientFactory{config: config}
}

// ForToken はアクセストークンで認証するClientを生成する。
// トークンの更新はtoken.Managerが行うため、ここでは静的なトークンを使う。
func (f *ClientFactory) ForToken(ctx context.Context, accessToken string) (*Client, error) {
	httpClient := &http.Client{
		Timeout: f.config.HTTPTimeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   http.DefaultTransport,
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if f.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.config.Endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	return &Client{
		svc:       svc,
		sanitizer: f.config.Sanitizer,
		recorder:  f.config.Recorder,
	}, nil
}

// Client はGoogle Calendar APIのイベント操作を提供する。
// 各操作はHTTP呼び出しを1回（UpdateEventは2回）行い、失敗時は*CalendarAPIErrorを返す。
type Client struct {
	svc       *gcal.Service
	sanitizer Sanitizer
	recorder  CallRecorder
}

// ListEvents はカレンダーのイベントを開始時刻順に取得する。
func (c *Client) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > maxMaxResults {
		maxResults = maxMaxResults
	}

	call := c.svc.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(maxResults).
		Context(ctx)

	if !opts.TimeMin.IsZero() {
		call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
	}
	if !opts.TimeMax.IsZero() {
		call = call.TimeMax(opts.TimeMax.Format(time.RFC3339))
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	events, err := call.Do()
	if err != nil {
		return nil, c.fail("list", err)
	}
	c.record("list", http.StatusOK)

	page := &EventPage{
		Events:        make([]Event, 0, len(events.Items)),
		NextPageToken: events.NextPageToken,
	}
	for _, e := range events.Items {
		page.Events = append(page.Events, toEvent(e))
	}
	return page, nil
}

// GetEvent はイベントを1件取得する。
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	e, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, c.fail("get", err)
	}
	c.record("get", http.StatusOK)

	ev := toEvent(e)
	return &ev, nil
}

// CreateEvent はイベントを作成する。
func (c *Client) CreateEvent(ctx context.Context, calendarID string, input EventInput) (*Event, error) {
	event := &gcal.Event{
		Summary:     c.plain(input.Summary),
		Description: c.description(input.Description),
		Location:    c.plain(input.Location),
		Start:       toEventDateTime(input.Start, input.TimeZone),
		End:         toEventDateTime(input.End, input.TimeZone),
	}
	if len(input.Attendees) > 0 {
		event.Attendees = toAttendees(input.Attendees)
	}

	created, err := c.svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, c.fail("create", err)
	}
	c.record("create", http.StatusOK)

	ev := toEvent(created)
	return &ev, nil
}

// UpdateEvent は既存のイベントを取得し、patchで指定された項目のみを上書きして保存する。
// Events.Updateは全体置換のため、指定のない項目（参加者、場所など）は取得した値を送り返す。
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, patch EventPatch) (*Event, error) {
	// 1. 既存のイベントを取得
	existing, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, c.fail("get", err)
	}
	c.record("get", http.StatusOK)

	// 2. 指定された項目のみマージ
	c.merge(existing, patch)

	// 3. 全体を保存
	updated, err := c.svc.Events.Update(calendarID, eventID, existing).Context(ctx).Do()
	if err != nil {
		return nil, c.fail("update", err)
	}
	c.record("update", http.StatusOK)

	ev := toEvent(updated)
	return &ev, nil
}

// DeleteEvent はイベントを削除する。既に削除済み（404/410）の場合も成功とする。
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		apiErr := wrapError("delete", err)
		c.record("delete", apiErr.Status)
		if apiErr.IsNotFound() {
			slog.Info("calendar event already deleted",
				slog.String("event_id", eventID),
				slog.Int("status", apiErr.Status),
			)
			return nil
		}
		return apiErr
	}
	c.record("delete", http.StatusNoContent)
	return nil
}

// merge はpatchで指定された項目を既存のイベントに反映する。
func (c *Client) merge(existing *gcal.Event, patch EventPatch) {
	if patch.Summary != nil {
		existing.Summary = c.plain(*patch.Summary)
	}
	if patch.Description != nil {
		existing.Description = c.description(*patch.Description)
	}
	if patch.Location != nil {
		existing.Location = c.plain(*patch.Location)
	}

	timeZone := ""
	if patch.TimeZone != nil {
		timeZone = *patch.TimeZone
	} else if existing.Start != nil {
		timeZone = existing.Start.TimeZone
	}
	if patch.Start != nil {
		existing.Start = toEventDateTime(*patch.Start, timeZone)
	}
	if patch.End != nil {
		existing.End = toEventDateTime(*patch.End, timeZone)
	}
	// 時刻を変えずにタイムゾーンだけ指定された場合も反映する（終日イベントは対象外）
	if patch.TimeZone != nil {
		for _, edt := range []*gcal.EventDateTime{existing.Start, existing.End} {
			if edt != nil && edt.DateTime != "" {
				edt.TimeZone = timeZone
			}
		}
	}

	if patch.Attendees != nil {
		existing.Attendees = toAttendees(*patch.Attendees)
	}
}

func (c *Client) plain(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.SanitizePlain(s)
}

func (c *Client) description(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.SanitizeDescription(s)
}

func (c *Client) fail(op string, err error) error {
	apiErr := wrapError(op, err)
	c.record(op, apiErr.Status)
	return apiErr
}

func (c *Client) record(op string, status int) {
	if c.recorder != nil {
		c.recorder.RecordCalendarCall(op, status)
	}
}
