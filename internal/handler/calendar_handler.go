package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/timeroi/internal/calendar"
	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/session"
	"github.com/hitoshi/timeroi/internal/token"
)

const defaultCalendarID = "primary"

// TokenResolver は現在のアクセストークンを解決する。token.Managerが実装する。
type TokenResolver interface {
	Resolve(ctx context.Context, tok *session.Token) (*token.Resolution, error)
	MarkUnauthorized(tok *session.Token) *session.Token
}

// CalendarClient はカレンダーハンドラーが使うイベント操作。calendar.Clientが実装する。
type CalendarClient interface {
	ListEvents(ctx context.Context, calendarID string, opts calendar.ListOptions) (*calendar.EventPage, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	CreateEvent(ctx context.Context, calendarID string, input calendar.EventInput) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, patch calendar.EventPatch) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// CalendarClientFactory はアクセストークンからCalendarClientを生成する。
type CalendarClientFactory interface {
	ForToken(ctx context.Context, accessToken string) (CalendarClient, error)
}

// EventTagDeleter はイベント削除時にタグを削除する。tag.Serviceが実装する。
type EventTagDeleter interface {
	Delete(ctx context.Context, userID, eventID string) error
}

// ConnectionChecker は保存済みのカレンダー連携の有無を返す。user.Serviceが実装する。
type ConnectionChecker interface {
	IsCalendarConnected(ctx context.Context, userID string) (bool, error)
}

// ConnectionService はカレンダー連携の確認と解除を行う。user.Serviceが実装する。
type ConnectionService interface {
	ConnectionChecker
	DisconnectCalendar(ctx context.Context, userID string) error
}

// CalendarHandlerConfig はカレンダーハンドラーの設定。
type CalendarHandlerConfig struct {
	// ReauthURL は再連携のためにフロントエンドへ返す同意画面の開始URL。
	ReauthURL string
}

// CalendarHandler はGoogleカレンダー連携のHTTPハンドラー。
// レスポンスは成功時 {success, ...}、失敗時 {error, details} の形式とする。
type CalendarHandler struct {
	resolver    TokenResolver
	factory     CalendarClientFactory
	sessions    SessionIssuer
	tags        EventTagDeleter
	connections ConnectionService
	config      CalendarHandlerConfig
	validate    *validator.Validate
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(
	resolver TokenResolver,
	factory CalendarClientFactory,
	sessions SessionIssuer,
	tags EventTagDeleter,
	connections ConnectionService,
	config CalendarHandlerConfig,
) *CalendarHandler {
	return &CalendarHandler{
		resolver:    resolver,
		factory:     factory,
		sessions:    sessions,
		tags:        tags,
		connections: connections,
		config:      config,
		validate:    validator.New(),
	}
}

// calendarErrorResponse はカレンダーAPIのエラーレスポンス。
type calendarErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ReauthURL string `json:"reauthUrl,omitempty"`
}

type attendeeResponse struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

type eventResponse struct {
	ID          string             `json:"id"`
	Summary     string             `json:"summary"`
	Description string             `json:"description,omitempty"`
	Location    string             `json:"location,omitempty"`
	Status      string             `json:"status,omitempty"`
	HTMLLink    string             `json:"htmlLink,omitempty"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	AllDay      bool               `json:"allDay"`
	TimeZone    string             `json:"timeZone,omitempty"`
	Organizer   string             `json:"organizer,omitempty"`
	Attendees   []attendeeResponse `json:"attendees,omitempty"`
}

func toEventResponse(e *calendar.Event) eventResponse {
	resp := eventResponse{
		ID:          e.ID,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
		HTMLLink:    e.HTMLLink,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
		TimeZone:    e.TimeZone,
		Organizer:   e.Organizer,
	}
	for _, a := range e.Attendees {
		resp.Attendees = append(resp.Attendees, attendeeResponse{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return resp
}

type createEventRequest struct {
	CalendarID  string   `json:"calendarId"`
	Summary     string   `json:"summary" validate:"required,max=1024"`
	StartTime   string   `json:"startTime" validate:"required"`
	EndTime     string   `json:"endTime" validate:"required"`
	Description string   `json:"description" validate:"max=8192"`
	Location    string   `json:"location" validate:"max=1024"`
	Attendees   []string `json:"attendees" validate:"max=100,dive,email"`
	TimeZone    string   `json:"timeZone" validate:"omitempty,timezone"`
}

type updateEventRequest struct {
	Summary     *string   `json:"summary" validate:"omitempty,max=1024"`
	StartTime   *string   `json:"startTime"`
	EndTime     *string   `json:"endTime"`
	Description *string   `json:"description" validate:"omitempty,max=8192"`
	Location    *string   `json:"location" validate:"omitempty,max=1024"`
	Attendees   *[]string `json:"attendees" validate:"omitempty,max=100,dive,email"`
	TimeZone    *string   `json:"timeZone" validate:"omitempty,timezone"`
}

// ListEvents はイベント一覧を返す。
// GET /calendar/events?calendarId=primary&timeMin=&timeMax=&maxResults=&pageToken=
func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := calendar.ListOptions{PageToken: q.Get("pageToken")}

	var err error
	if opts.TimeMin, err = parseOptionalTime(q.Get("timeMin")); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid timeMin", err.Error())
		return
	}
	if opts.TimeMax, err = parseOptionalTime(q.Get("timeMax")); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid timeMax", err.Error())
		return
	}
	if v := q.Get("maxResults"); v != "" {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil || n <= 0 {
			writeCalendarError(w, http.StatusBadRequest, "Invalid maxResults", "maxResults must be a positive integer")
			return
		}
		opts.MaxResults = n
	}

	h.withCalendar(w, r, func(ctx context.Context, client CalendarClient) error {
		page, err := client.ListEvents(ctx, calendarIDFrom(r), opts)
		if err != nil {
			return err
		}

		events := make([]eventResponse, 0, len(page.Events))
		for i := range page.Events {
			events = append(events, toEventResponse(&page.Events[i]))
		}
		body := map[string]any{"success": true, "events": events}
		if page.NextPageToken != "" {
			body["nextPageToken"] = page.NextPageToken
		}
		writeJSON(w, http.StatusOK, body)
		return nil
	})
}

// GetEvent はイベントを1件返す。
// GET /calendar/events/{eventId}
func (h *CalendarHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	h.withCalendar(w, r, func(ctx context.Context, client CalendarClient) error {
		event, err := client.GetEvent(ctx, calendarIDFrom(r), eventID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": toEventResponse(event)})
		return nil
	})
}

// CreateEvent はイベントを作成する。
// POST /calendar/events
func (h *CalendarHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Missing or invalid fields", validationError(err).Message)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid startTime", "startTime must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid endTime", "endTime must be RFC3339")
		return
	}
	if !end.After(start) {
		writeCalendarError(w, http.StatusBadRequest, "Invalid time range", "endTime must be after startTime")
		return
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}

	input := calendar.EventInput{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       start,
		End:         end,
		TimeZone:    req.TimeZone,
		Attendees:   req.Attendees,
	}

	h.withCalendar(w, r, func(ctx context.Context, client CalendarClient) error {
		event, err := client.CreateEvent(ctx, calendarID, input)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "event": toEventResponse(event)})
		return nil
	})
}

// UpdateEvent は指定された項目のみイベントを更新する。指定のない項目は既存の値を維持する。
// PATCH /calendar/events/{eventId}?calendarId=primary
func (h *CalendarHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	var req updateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeCalendarError(w, http.StatusBadRequest, "Missing or invalid fields", validationError(err).Message)
		return
	}

	patch := calendar.EventPatch{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		TimeZone:    req.TimeZone,
		Attendees:   req.Attendees,
	}
	if req.StartTime != nil {
		start, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			writeCalendarError(w, http.StatusBadRequest, "Invalid startTime", "startTime must be RFC3339")
			return
		}
		patch.Start = &start
	}
	if req.EndTime != nil {
		end, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			writeCalendarError(w, http.StatusBadRequest, "Invalid endTime", "endTime must be RFC3339")
			return
		}
		patch.End = &end
	}
	if patch.Start != nil && patch.End != nil && !patch.End.After(*patch.Start) {
		writeCalendarError(w, http.StatusBadRequest, "Invalid time range", "endTime must be after startTime")
		return
	}

	h.withCalendar(w, r, func(ctx context.Context, client CalendarClient) error {
		event, err := client.UpdateEvent(ctx, calendarIDFrom(r), eventID, patch)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": toEventResponse(event)})
		return nil
	})
}

// DeleteEvent はイベントとそのタグを削除する。いずれも削除済みの場合は成功とする。
// DELETE /calendar/events/{eventId}?calendarId=primary
func (h *CalendarHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	h.withCalendar(w, r, func(ctx context.Context, client CalendarClient) error {
		if err := client.DeleteEvent(ctx, calendarIDFrom(r), eventID); err != nil {
			return err
		}

		user, _ := middleware.SessionUserFromContext(ctx)
		userID := user.ID
		if err := h.tags.Delete(ctx, userID, eventID); err != nil {
			// イベントの削除は冪等なので、クライアントは再試行できる
			slog.Error("failed to delete event tag after event deletion",
				slog.String("user_id", userID),
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)
			writeCalendarError(w, http.StatusInternalServerError, "Failed to delete event tag", "the event was deleted; retry to remove its tag")
			return nil
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return nil
	})
}

// Status はカレンダー連携の状態を返す。再連携が必要な場合もエラーにはしない。
// GET /calendar/status
func (h *CalendarHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolve(w, r)
	if !ok {
		return
	}

	body := map[string]any{"connected": res.Decision.OK}
	if !res.Decision.OK {
		body["reason"] = string(res.Decision.Reason)
		body["reauthUrl"] = h.config.ReauthURL
	}
	if res.Outcome == session.OutcomeRetryLater {
		body["degraded"] = true
	}
	if res.Account != nil {
		body["scope"] = res.Account.Scope
		body["providerAccountId"] = res.Account.ProviderAccountID
		if exp := res.Session.AccessTokenExpiry(); !exp.IsZero() {
			body["expiresAt"] = exp.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Disconnect はカレンダー連携を解除し、セッションからプロバイダートークンを取り除く。
// DELETE /calendar/connection
func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tok, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeCalendarError(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}

	if err := h.connections.DisconnectCalendar(r.Context(), tok.UserID); err != nil {
		slog.Error("failed to disconnect calendar",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
		writeCalendarError(w, http.StatusInternalServerError, "Failed to disconnect calendar", "please retry")
		return
	}

	cleared := tok.Clone()
	cleared.ClearProviderTokens()
	h.reissue(w, cleared)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// withCalendar はトークンを解決し、再認可が不要な場合のみfnを呼び出す。
// fnが返したエラーはCalendarAPIErrorとしてレスポンスに変換する。
func (h *CalendarHandler) withCalendar(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, client CalendarClient) error) {
	res, ok := h.resolve(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if res.Outcome == session.OutcomeRetryLater {
		writeCalendarError(w, http.StatusServiceUnavailable, "Google Calendar is temporarily unavailable", "token refresh failed; retry shortly")
		return
	}
	if res.Decision.NeedsReauth() {
		writeJSON(w, http.StatusUnauthorized, calendarErrorResponse{
			Error:     "Google Calendar reauthorization required",
			Details:   reauthDetails(res.Decision.Reason),
			Reason:    string(res.Decision.Reason),
			ReauthURL: h.config.ReauthURL,
		})
		return
	}

	client, err := h.factory.ForToken(ctx, res.Session.AccessToken)
	if err != nil {
		slog.Error("failed to create calendar client",
			slog.String("user_id", res.Session.UserID),
			slog.String("error", err.Error()),
		)
		writeCalendarError(w, http.StatusInternalServerError, "Failed to access Google Calendar", "internal error")
		return
	}

	err = fn(ctx, client)
	if err == nil {
		return
	}

	var apiErr *calendar.CalendarAPIError
	if !errors.As(err, &apiErr) {
		slog.Error("calendar operation failed",
			slog.String("user_id", res.Session.UserID),
			slog.String("error", err.Error()),
		)
		writeCalendarError(w, http.StatusInternalServerError, "Failed to access Google Calendar", "internal error")
		return
	}

	switch {
	case apiErr.IsUnauthorized():
		// 次のリクエストで更新を試み、それでも駄目なら再認可を求める
		slog.Warn("calendar rejected access token",
			slog.String("user_id", res.Session.UserID),
			slog.String("op", apiErr.Op),
			slog.Int("status", apiErr.Status),
		)
		h.reissue(w, h.resolver.MarkUnauthorized(res.Session))
		writeJSON(w, http.StatusUnauthorized, calendarErrorResponse{
			Error:     "Google Calendar rejected the access token",
			Details:   apiErr.Message,
			ReauthURL: h.config.ReauthURL,
		})
	case apiErr.IsNotFound():
		writeCalendarError(w, http.StatusNotFound, "Event not found", apiErr.Message)
	case apiErr.Status == http.StatusBadRequest:
		writeCalendarError(w, http.StatusBadRequest, "Google Calendar rejected the request", apiErr.Message)
	default:
		slog.Error("calendar API error",
			slog.String("user_id", res.Session.UserID),
			slog.String("op", apiErr.Op),
			slog.Int("status", apiErr.Status),
			slog.String("error", apiErr.Message),
		)
		writeCalendarError(w, http.StatusInternalServerError, "Failed to access Google Calendar", apiErr.Message)
	}
}

// resolve はセッションのトークンを解決し、変化があればCookieを再発行する。
func (h *CalendarHandler) resolve(w http.ResponseWriter, r *http.Request) (*token.Resolution, bool) {
	tok, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeCalendarError(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return nil, false
	}

	res, err := h.resolver.Resolve(r.Context(), tok)
	if err != nil {
		slog.Error("failed to resolve calendar token",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
		writeCalendarError(w, http.StatusInternalServerError, "Failed to load calendar connection", "internal error")
		return nil, false
	}

	if res.Changed {
		h.reissue(w, res.Session)
	}
	return res, true
}

// reissue はセッションCookieを再発行する。失敗してもリクエストは続行する。
func (h *CalendarHandler) reissue(w http.ResponseWriter, tok *session.Token) {
	if err := h.sessions.Issue(w, tok); err != nil {
		slog.Error("failed to reissue session",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func writeCalendarError(w http.ResponseWriter, statusCode int, msg, details string) {
	writeJSON(w, statusCode, calendarErrorResponse{Error: msg, Details: details})
}

func reauthDetails(reason token.Reason) string {
	switch reason {
	case token.ReasonNoLinkedAccount:
		return "Google Calendar is not connected"
	case token.ReasonNoAccessToken:
		return "no access token is available for Google Calendar"
	case token.ReasonTokenErrored:
		return "the Google access token could not be refreshed; reconnect Google Calendar"
	case token.ReasonScopeInsufficient:
		return "calendar permissions were not granted; reconnect and allow calendar access"
	default:
		return string(reason)
	}
}

func calendarIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("calendarId")); id != "" {
		return id
	}
	return defaultCalendarID
}

func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
