package icloud

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
)

func testClient() *CalDAVClient {
	return &CalDAVClient{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), owner: "a@x.com"}
}

func decode(t *testing.T, lines ...string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(strings.Join(lines, "\r\n") + "\r\n")).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cal
}

func TestEventsFromCalendar(t *testing.T) {
	c := testClient()

	cal := decode(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:utc-1",
		"SUMMARY:review",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:20250121T100000Z",
		"DTEND:20250121T110000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tokyo-1",
		"DTSTAMP:20250101T000000Z",
		"DTSTART;TZID=Asia/Tokyo:20250121T100000",
		"DURATION:PT30M",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:holiday",
		"SUMMARY:holiday",
		"DTSTAMP:20250101T000000Z",
		"DTSTART;VALUE=DATE:20250122",
		"END:VEVENT",
		"BEGIN:VTODO",
		"UID:todo",
		"DTSTAMP:20250101T000000Z",
		"END:VTODO",
		"END:VCALENDAR",
	)

	events := c.eventsFromCalendar(cal, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC))
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	review := events[0]
	if review.Title != "review" || review.Owner != "a@x.com" || review.AllDay {
		t.Errorf("review = %+v", review)
	}
	if !review.StartTime.Equal(time.Date(2025, 1, 21, 10, 0, 0, 0, time.UTC)) || review.EndTime.Sub(review.StartTime) != time.Hour {
		t.Errorf("review times = %s-%s", review.StartTime, review.EndTime)
	}

	tokyo := events[1]
	if !tokyo.StartTime.Equal(time.Date(2025, 1, 21, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("tokyo start = %s, want 01:00 UTC", tokyo.StartTime)
	}
	if tokyo.EndTime.Sub(tokyo.StartTime) != 30*time.Minute || tokyo.Title != "Busy" {
		t.Errorf("tokyo event = %+v", tokyo)
	}

	holiday := events[2]
	if !holiday.AllDay || holiday.EndTime.Sub(holiday.StartTime) != 24*time.Hour {
		t.Errorf("holiday = %+v", holiday)
	}
}

func TestEventsFromCalendarExpandsRecurrences(t *testing.T) {
	c := testClient()
	cal := decode(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:weekly",
		"SUMMARY:1on1",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:20250106T100000Z",
		"DTEND:20250106T110000Z",
		"RRULE:FREQ=WEEKLY;COUNT=10",
		"EXDATE:20250120T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:weekly",
		"SUMMARY:1on1 (moved)",
		"DTSTAMP:20250101T000000Z",
		"RECURRENCE-ID:20250127T100000Z",
		"DTSTART:20250127T140000Z",
		"DTEND:20250127T150000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	// The window starts in the middle of the 13 January occurrence.
	start := time.Date(2025, 1, 13, 10, 30, 0, 0, time.UTC)
	end := time.Date(2025, 2, 4, 0, 0, 0, 0, time.UTC)
	events := c.eventsFromCalendar(cal, start, end)

	want := []time.Time{
		time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 27, 14, 0, 0, 0, time.UTC),
	}
	if len(events) != len(want) {
		for _, ev := range events {
			t.Logf("got %s %s", ev.Title, ev.StartTime)
		}
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	ids := map[string]bool{}
	for i, ev := range events {
		if !ev.StartTime.Equal(want[i]) || ev.EndTime.Sub(ev.StartTime) != time.Hour {
			t.Errorf("event %d = %s-%s, want start %s lasting 1h", i, ev.StartTime, ev.EndTime, want[i])
		}
		if ids[ev.ID] {
			t.Errorf("duplicate id %q", ev.ID)
		}
		ids[ev.ID] = true
	}
	if events[2].Title != "1on1 (moved)" {
		t.Errorf("override title = %q", events[2].Title)
	}
}
