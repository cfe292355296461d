package calendar

import (
	"time"

	gcal "google.golang.org/api/calendar/v3"
)

// Event はカレンダーイベントの簡略表現。
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Status      string
	HTMLLink    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	TimeZone    string
	Organizer   string
	Attendees   []Attendee
}

// Attendee はイベント参加者。
type Attendee struct {
	Email          string
	DisplayName    string
	ResponseStatus string // "needsAction", "declined", "tentative", "accepted"
}

// EventPage はイベント一覧の1ページ分。
type EventPage struct {
	Events        []Event
	NextPageToken string
}

// ListOptions はイベント一覧の取得条件。
type ListOptions struct {
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int64
	PageToken  string
}

// EventInput はイベント作成の入力。
type EventInput struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
}

// EventPatch はイベント更新の入力。nilの項目は既存の値を維持する。
type EventPatch struct {
	Summary     *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	TimeZone    *string
	Attendees   *[]string
}

// toEvent はGoogle Calendar APIのイベントをEventに変換する。
func toEvent(e *gcal.Event) Event {
	ev := Event{
		ID:          e.Id,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
		HTMLLink:    e.HtmlLink,
	}

	if e.Start != nil {
		ev.Start, ev.AllDay = parseEventTime(e.Start)
		ev.TimeZone = e.Start.TimeZone
	}
	if e.End != nil {
		ev.End, _ = parseEventTime(e.End)
	}
	if e.Organizer != nil {
		ev.Organizer = e.Organizer.Email
	}

	for _, a := range e.Attendees {
		ev.Attendees = append(ev.Attendees, Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}

	return ev
}

// parseEventTime はEventDateTimeを時刻に変換する。終日イベントの場合はallDayがtrue。
func parseEventTime(dt *gcal.EventDateTime) (t time.Time, allDay bool) {
	if dt.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return parsed, false
		}
	}
	if dt.Date != "" {
		if parsed, err := time.Parse("2006-01-02", dt.Date); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func toEventDateTime(t time.Time, timeZone string) *gcal.EventDateTime {
	if timeZone == "" {
		timeZone = "UTC"
	}
	return &gcal.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: timeZone,
	}
}

func toAttendees(emails []string) []*gcal.EventAttendee {
	attendees := make([]*gcal.EventAttendee, 0, len(emails))
	for _, email := range emails {
		attendees = append(attendees, &gcal.EventAttendee{Email: email})
	}
	return attendees
}
