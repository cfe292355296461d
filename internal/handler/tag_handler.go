package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/tag"
)

const (
	// defaultTagListSpan はfrom/to省略時のタグ一覧の期間。
	defaultTagListSpan = 30 * 24 * time.Hour
	// defaultSummarySpan はfrom/to省略時の集計期間。
	defaultSummarySpan = 7 * 24 * time.Hour
)

// TagServiceInterface はタグハンドラーが必要とするサービスインターフェース。
type TagServiceInterface interface {
	Upsert(ctx context.Context, userID string, input tag.TagInput) (*eventTagResponse, error)
	Get(ctx context.Context, userID, eventID string) (*eventTagResponse, error)
	List(ctx context.Context, userID string, from, to time.Time) ([]eventTagResponse, error)
	Delete(ctx context.Context, userID, eventID string) error
	Summary(ctx context.Context, userID string, from, to time.Time) (*model.TagSummary, error)
}

// TagHandler はイベントタグと集計のHTTPハンドラー。
type TagHandler struct {
	service TagServiceInterface
	now     func() time.Time
}

// NewTagHandler はTagHandlerを生成する。
func NewTagHandler(service TagServiceInterface) *TagHandler {
	return &TagHandler{service: service, now: time.Now}
}

type eventTagResponse struct {
	EventID         string    `json:"eventId"`
	CalendarID      string    `json:"calendarId"`
	ValueTier       string    `json:"valueTier"`
	Category        string    `json:"category"`
	EventTitle      string    `json:"eventTitle,omitempty"`
	StartsAt        time.Time `json:"startsAt"`
	EndsAt          time.Time `json:"endsAt"`
	DurationMinutes int       `json:"durationMinutes"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toEventTagResponse(t *model.EventTag) eventTagResponse {
	return eventTagResponse{
		EventID:         t.EventID,
		CalendarID:      t.CalendarID,
		ValueTier:       string(t.ValueTier),
		Category:        string(t.Category),
		EventTitle:      t.EventTitle,
		StartsAt:        t.StartsAt,
		EndsAt:          t.EndsAt,
		DurationMinutes: t.DurationMinutes(),
		UpdatedAt:       t.UpdatedAt,
	}
}

type upsertTagRequest struct {
	CalendarID string    `json:"calendarId"`
	ValueTier  string    `json:"valueTier"`
	Category   string    `json:"category"`
	EventTitle string    `json:"eventTitle"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
}

type summaryBucketResponse struct {
	Key     string `json:"key"`
	Minutes int    `json:"minutes"`
	Count   int    `json:"count"`
}

type summaryResponse struct {
	From         time.Time               `json:"from"`
	To           time.Time               `json:"to"`
	TotalMinutes int                     `json:"totalMinutes"`
	TotalCount   int                     `json:"totalCount"`
	ByTier       []summaryBucketResponse `json:"byTier"`
	ByCategory   []summaryBucketResponse `json:"byCategory"`
}

func toBucketResponses(buckets []model.SummaryBucket) []summaryBucketResponse {
	out := make([]summaryBucketResponse, len(buckets))
	for i, b := range buckets {
		out[i] = summaryBucketResponse{Key: b.Key, Minutes: b.Minutes, Count: b.Count}
	}
	return out
}

// Upsert はイベントにタグを付与する。同じイベントへの再付与は上書き。
// PUT /api/event-tags/{eventId}
func (h *TagHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req upsertTagRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return
	}

	t, err := h.service.Upsert(r.Context(), userID, tag.TagInput{
		EventID:    chi.URLParam(r, "eventId"),
		CalendarID: req.CalendarID,
		ValueTier:  req.ValueTier,
		Category:   req.Category,
		EventTitle: req.EventTitle,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// List は期間内に開始するタグ一覧を返す。
// GET /api/event-tags?from=&to=
func (h *TagHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r, h.now(), defaultTagListSpan)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	tags, err := h.service.List(r.Context(), userID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tags)
}

// Delete はイベントのタグを削除する。
// DELETE /api/event-tags/{eventId}
func (h *TagHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "eventId")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get はイベントのタグを返す。
// GET /api/event-tags/{eventId}
func (h *TagHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "eventId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tag": t})
}

// Summary はティア別・カテゴリ別の時間配分を返す。
// GET /api/analytics/summary?from=&to=
func (h *TagHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r, h.now(), defaultSummarySpan)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	summary, err := h.service.Summary(r.Context(), userID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		From:         summary.From,
		To:           summary.To,
		TotalMinutes: summary.TotalMinutes,
		TotalCount:   summary.TotalCount,
		ByTier:       toBucketResponses(summary.ByTier),
		ByCategory:   toBucketResponses(summary.ByCategory),
	})
}

func (h *TagHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := middleware.SessionUserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return user.ID, true
}
