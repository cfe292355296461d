package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCalendarAPI はGoogle Calendar APIのイベントエンドポイントを模したテストサーバー。
type fakeCalendarAPI struct {
	mu        sync.Mutex
	events    map[string]map[string]interface{}
	putBodies []map[string]interface{}
	authz     []string
	status    int // 0以外の場合、全リクエストにこのステータスを返す
	delay     time.Duration
}

func newFakeCalendarAPI() *fakeCalendarAPI {
	return &fakeCalendarAPI{
		events: map[string]map[string]interface{}{
			"ev1": {
				"id":       "ev1",
				"summary":  "Client pitch",
				"location": "Room 1",
				"status":   "confirmed",
				"start":    map[string]interface{}{"dateTime": "2026-03-02T10:00:00Z", "timeZone": "Europe/London"},
				"end":      map[string]interface{}{"dateTime": "2026-03-02T11:00:00Z", "timeZone": "Europe/London"},
				"attendees": []interface{}{
					map[string]interface{}{"email": "a@example.com", "responseStatus": "accepted"},
				},
			},
		},
	}
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authz = append(f.authz, r.Header.Get("Authorization"))
	status, delay := f.status, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		writeAPIError(w, status, http.StatusText(status))
		return
	}

	const prefix = "/calendars/primary/events"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && id == "":
		items := make([]interface{}, 0, len(f.events))
		for _, e := range f.events {
			items = append(items, e)
		}
		writeJSON(w, map[string]interface{}{"items": items, "nextPageToken": "page-2"})

	case r.Method == http.MethodGet:
		e, ok := f.events[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "Not Found")
			return
		}
		writeJSON(w, e)

	case r.Method == http.MethodPost:
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "created-1"
		f.events["created-1"] = body
		writeJSON(w, body)

	case r.Method == http.MethodPut:
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.putBodies = append(f.putBodies, body)
		f.events[id] = body
		writeJSON(w, body)

	case r.Method == http.MethodDelete:
		if id == "gone" {
			writeAPIError(w, http.StatusGone, "Resource has been deleted")
			return
		}
		delete(f.events, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": message},
	})
}

type stubSanitizer struct{}

func (stubSanitizer) SanitizeDescription(raw string) string {
	return strings.ReplaceAll(raw, "<script>", "")
}

func (stubSanitizer) SanitizePlain(raw string) string {
	return strings.TrimSpace(raw)
}

type recordedCall struct {
	op     string
	status int
}

type stubRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *stubRecorder) RecordCalendarCall(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{op, status})
}

func newTestClient(t *testing.T, api *fakeCalendarAPI, timeout time.Duration, recorder CallRecorder) *Client {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	factory := NewClientFactory(FactoryConfig{
		HTTPTimeout: timeout,
		Endpoint:    server.URL + "/",
		Sanitizer:   stubSanitizer{},
		Recorder:    recorder,
	})
	client, err := factory.ForToken(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("ForToken() error = %v", err)
	}
	return client
}

func strPtr(s string) *string { return &s }

// --- テスト ---

func TestClient_ListEvents(t *testing.T) {
	api := newFakeCalendarAPI()
	client := newTestClient(t, api, time.Second, nil)

	page, err := client.ListEvents(context.Background(), "primary", ListOptions{
		TimeMin:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TimeMax:    time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		MaxResults: 10,
	})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}

	if len(page.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(page.Events))
	}
	ev := page.Events[0]
	if ev.ID != "ev1" || ev.Location != "Room 1" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Start.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", ev.Start)
	}
	if ev.TimeZone != "Europe/London" {
		t.Errorf("TimeZone = %q, want Europe/London", ev.TimeZone)
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "a@example.com" {
		t.Errorf("Attendees = %+v", ev.Attendees)
	}
	if page.NextPageToken != "page-2" {
		t.Errorf("NextPageToken = %q, want page-2", page.NextPageToken)
	}
	if api.authz[0] != "Bearer tok1" {
		t.Errorf("Authorization = %q, want %q", api.authz[0], "Bearer tok1")
	}
}

func TestClient_UpdateEvent_MergesBeforeWrite(t *testing.T) {
	api := newFakeCalendarAPI()
	recorder := &stubRecorder{}
	client := newTestClient(t, api, time.Second, recorder)

	updated, err := client.UpdateEvent(context.Background(), "primary", "ev1", EventPatch{
		Summary: strPtr("X"),
	})
	if err != nil {
		t.Fatalf("UpdateEvent() error = %v", err)
	}

	if len(api.putBodies) != 1 {
		t.Fatalf("PUT requests = %d, want 1", len(api.putBodies))
	}
	body := api.putBodies[0]
	if body["summary"] != "X" {
		t.Errorf("written summary = %v, want X", body["summary"])
	}
	if body["location"] != "Room 1" {
		t.Errorf("written location = %v, want Room 1 to be preserved", body["location"])
	}
	attendees, _ := body["attendees"].([]interface{})
	if len(attendees) != 1 {
		t.Errorf("written attendees = %v, want the existing attendee preserved", body["attendees"])
	}
	if updated.Summary != "X" || updated.Location != "Room 1" {
		t.Errorf("updated = %+v", updated)
	}

	if len(recorder.calls) != 2 || recorder.calls[0].op != "get" || recorder.calls[1].op != "update" {
		t.Errorf("recorded calls = %+v, want get then update", recorder.calls)
	}
}

func TestClient_UpdateEvent_TimesKeepExistingTimeZone(t *testing.T) {
	api := newFakeCalendarAPI()
	client := newTestClient(t, api, time.Second, nil)

	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	_, err := client.UpdateEvent(context.Background(), "primary", "ev1", EventPatch{Start: &start})
	if err != nil {
		t.Fatalf("UpdateEvent() error = %v", err)
	}

	body := api.putBodies[0]
	startBody, _ := body["start"].(map[string]interface{})
	if startBody["dateTime"] != "2026-03-02T14:00:00Z" {
		t.Errorf("start.dateTime = %v", startBody["dateTime"])
	}
	if startBody["timeZone"] != "Europe/London" {
		t.Errorf("start.timeZone = %v, want existing Europe/London", startBody["timeZone"])
	}
	endBody, _ := body["end"].(map[string]interface{})
	if endBody["dateTime"] != "2026-03-02T11:00:00Z" {
		t.Errorf("end.dateTime = %v, want unchanged", endBody["dateTime"])
	}
}

func TestClient_UpdateEvent_TimeZoneOnly(t *testing.T) {
	api := newFakeCalendarAPI()
	client := newTestClient(t, api, time.Second, nil)

	_, err := client.UpdateEvent(context.Background(), "primary", "ev1", EventPatch{TimeZone: strPtr("Asia/Tokyo")})
	if err != nil {
		t.Fatalf("UpdateEvent() error = %v", err)
	}

	body := api.putBodies[0]
	for _, key := range []string{"start", "end"} {
		edt, _ := body[key].(map[string]interface{})
		if edt["timeZone"] != "Asia/Tokyo" {
			t.Errorf("%s.timeZone = %v, want Asia/Tokyo", key, edt["timeZone"])
		}
	}
	startBody, _ := body["start"].(map[string]interface{})
	if startBody["dateTime"] != "2026-03-02T10:00:00Z" {
		t.Errorf("start.dateTime = %v, want unchanged", startBody["dateTime"])
	}
}

func TestClient_UpdateEvent_TimeZoneOnly_AllDayUntouched(t *testing.T) {
	api := newFakeCalendarAPI()
	api.events["allday"] = map[string]interface{}{
		"id":      "allday",
		"summary": "Offsite",
		"start":   map[string]interface{}{"date": "2026-03-05"},
		"end":     map[string]interface{}{"date": "2026-03-06"},
	}
	client := newTestClient(t, api, time.Second, nil)

	_, err := client.UpdateEvent(context.Background(), "primary", "allday", EventPatch{TimeZone: strPtr("Asia/Tokyo")})
	if err != nil {
		t.Fatalf("UpdateEvent() error = %v", err)
	}

	startBody, _ := api.putBodies[0]["start"].(map[string]interface{})
	if startBody["date"] != "2026-03-05" {
		t.Errorf("start.date = %v, want 2026-03-05", startBody["date"])
	}
	if tz, ok := startBody["timeZone"]; ok {
		t.Errorf("all-day start should not get a timeZone, got %v", tz)
	}
}

func TestClient_UpdateEvent_MissingEvent(t *testing.T) {
	api := newFakeCalendarAPI()
	client := newTestClient(t, api, time.Second, nil)

	_, err := client.UpdateEvent(context.Background(), "primary", "missing", EventPatch{Summary: strPtr("X")})

	var apiErr *CalendarAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *CalendarAPIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", apiErr.Status)
	}
	if len(api.putBodies) != 0 {
		t.Error("no write should happen when the read fails")
	}
}

func TestClient_CreateEvent(t *testing.T) {
	api := newFakeCalendarAPI()
	client := newTestClient(t, api, time.Second, nil)

	created, err := client.CreateEvent(context.Background(), "primary", EventInput{
		Summary:     "  Board meeting  ",
		Description: "<script>agenda",
		Start:       time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
		Attendees:   []string{"b@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	if created.ID != "created-1" {
		t.Errorf("ID = %q, want created-1", created.ID)
	}
	if created.Summary != "Board meeting" {
		t.Errorf("Summary = %q, want sanitized", created.Summary)
	}
	if created.Description != "agenda" {
		t.Errorf("Description = %q, want sanitized", created.Description)
	}
	if created.TimeZone != "UTC" {
		t.Errorf("TimeZone = %q, want default UTC", created.TimeZone)
	}
	if len(created.Attendees) != 1 {
		t.Errorf("Attendees = %+v", created.Attendees)
	}
}

func TestClient_DeleteEvent_AlreadyGoneIsSuccess(t *testing.T) {
	api := newFakeCalendarAPI()
	recorder := &stubRecorder{}
	client := newTestClient(t, api, time.Second, recorder)

	if err := client.DeleteEvent(context.Background(), "primary", "gone"); err != nil {
		t.Errorf("DeleteEvent(gone) error = %v, want nil", err)
	}
	if err := client.DeleteEvent(context.Background(), "primary", "ev1"); err != nil {
		t.Errorf("DeleteEvent(ev1) error = %v", err)
	}
	if recorder.calls[0].status != http.StatusGone {
		t.Errorf("recorded status = %d, want 410", recorder.calls[0].status)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
		wantUnauth bool
	}{
		{"unauthorized", http.StatusUnauthorized, http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, http.StatusForbidden, true},
		{"server error", http.StatusInternalServerError, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeCalendarAPI()
			api.status = tt.status
			client := newTestClient(t, api, time.Second, nil)

			_, err := client.ListEvents(context.Background(), "primary", ListOptions{})

			var apiErr *CalendarAPIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *CalendarAPIError", err)
			}
			if apiErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", apiErr.Status, tt.wantStatus)
			}
			if apiErr.IsUnauthorized() != tt.wantUnauth {
				t.Errorf("IsUnauthorized() = %v, want %v", apiErr.IsUnauthorized(), tt.wantUnauth)
			}
			if apiErr.Message == "" {
				t.Error("Message should carry the provider message")
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	api := newFakeCalendarAPI()
	api.delay = 300 * time.Millisecond
	client := newTestClient(t, api, 50*time.Millisecond, nil)

	_, err := client.ListEvents(context.Background(), "primary", ListOptions{})

	var apiErr *CalendarAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *CalendarAPIError", err)
	}
	if apiErr.Status != http.StatusGatewayTimeout {
		t.Errorf("Status = %d, want 504", apiErr.Status)
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL + "/"
	server.Close()

	factory := NewClientFactory(FactoryConfig{Endpoint: endpoint})
	client, err := factory.ForToken(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("ForToken() error = %v", err)
	}

	_, err = client.GetEvent(context.Background(), "primary", "ev1")

	var apiErr *CalendarAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *CalendarAPIError", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", apiErr.Status)
	}
}

func TestToEvent_AllDay(t *testing.T) {
	api := newFakeCalendarAPI()
	api.events["ev1"]["start"] = map[string]interface{}{"date": "2026-03-05"}
	api.events["ev1"]["end"] = map[string]interface{}{"date": "2026-03-06"}
	client := newTestClient(t, api, time.Second, nil)

	ev, err := client.GetEvent(context.Background(), "primary", "ev1")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if !ev.AllDay {
		t.Error("AllDay = false, want true")
	}
	if !ev.Start.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", ev.Start)
	}
}
